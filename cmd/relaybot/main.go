package main

import (
	"log"

	"github.com/joho/godotenv"

	"github.com/m3rciful/relaybot/bot"
	"github.com/m3rciful/relaybot/core/cmd"
)

func main() {
	// Local development convenience; a missing .env is not an error.
	_ = godotenv.Load()

	err := cmd.Run(cmd.Options{
		ConfigEnvVar:      "CONFIG_PATH",
		DefaultConfigPath: "configs/relaybot.yaml",
		LoadConfig: func(path string) (cmd.ConfigCarrier, error) {
			return bot.LoadConfig(path)
		},
		Bootstrap: func(cfg cmd.ConfigCarrier) (cmd.TelegramApp, error) {
			return bot.New(cfg.(*bot.AppConfig))
		},
	})
	if err != nil {
		log.Fatalf("relaybot: %v", err)
	}
}
