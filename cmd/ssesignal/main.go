package main

import (
	"context"

	"github.com/joho/godotenv"
	"github.com/scott-cotton/cli"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cli.MainContext(context.Background(), MainCommand())
}
