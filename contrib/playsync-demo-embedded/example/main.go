// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package main provides a minimal example of using the embedded sync coordinator.
package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spencerc99/playhtml-sub002/client"
	embedded "github.com/spencerc99/playhtml-sub002/contrib/playsync-demo-embedded"
)

func main() {
	// Configure the coordinator with sensible defaults
	config := embedded.DefaultConfig()
	config.DatabasePath = "./example-playsync.db"
	config.JetStreamPath = "./example-jetstream"

	log.Println("Creating embedded sync coordinator...")

	// Create the embedded server
	server, err := embedded.NewServer(config)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	// Set up a standard TCP listener
	listener, err := net.Listen("tcp", "127.0.0.1:8787")
	if err != nil {
		log.Fatalf("Failed to create listener: %v", err)
	}
	defer listener.Close()

	log.Printf("Starting server on %s", listener.Addr().String())

	// Start the server
	if err := server.Start(context.Background(), listener); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Println("Server started successfully!")

	// Show the sync endpoint for a sample room
	roomID, err := client.RoomID("example.com", "/garden")
	if err != nil {
		log.Fatalf("Failed to build room ID: %v", err)
	}
	log.Printf("Sync endpoint for example.com/garden: ws://%s/room/%s", listener.Addr().String(), roomID)
	log.Println("Press Ctrl+C to stop")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Println("Received shutdown signal")
	case <-server.GetProcessContext().WaitForShutdown():
		log.Println("Server initiated shutdown")
	}

	// Graceful shutdown with timeout
	log.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	log.Println("Server stopped")
}
