package main

import (
	"log"

	"github.com/lichen-social/lichen/internal/transport/http"
)

func main() {
	if err := http.Run(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
