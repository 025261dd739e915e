package main

import (
	"log"

	"github.com/PatchLens/go-lumos/lumos"
	"github.com/PatchLens/go-lumos/lumos/cmd"
)

func main() {
	log.SetFlags(log.LstdFlags)

	config, _, err := cmd.ParseFlags(nil) // no custom flags for the standard tool
	if err != nil {
		log.Fatalf("%s%v", lumos.ErrorLogPrefix, err)
	}

	if err := lumos.NewEngine(config).Run(); err != nil {
		log.Fatalf("%s%v", lumos.ErrorLogPrefix, err)
	}
}
