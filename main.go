package main

import (
	"fmt"
	"log"

	"PoemToMedia-server/config"
	"PoemToMedia-server/models"
	"PoemToMedia-server/routers"
	"PoemToMedia-server/routers/api"
	"PoemToMedia-server/service"
)

func main() {
	config.InitConfig()
	fmt.Println("Server starting on port", config.AppConfig.Server.Port)

	db := models.InitDB()
	fmt.Println("Database initialized")

	store, err := service.NewMinIOStore()
	if err != nil {
		log.Fatalf("minio init failed: %v", err)
	}
	fmt.Println("MinIO initialized")

	queue := service.NewQueue()
	fmt.Println("Queue initialized")

	hub := service.NewEventHub()
	registry := service.NewRunRegistry()

	processor := service.NewProcessor(db, store, hub, queue, registry)
	processor.StartProcessor(config.AppConfig.Worker.Concurrency)

	api.Init(db, processor, hub)
	r := routers.InitRouter()
	r.Run(config.AppConfig.Server.Port)
}
