package env

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/danielsousast/expo-background-upload/pkg/logging"
)

// LoadEnv loads files (".env" when none are given) into the process
// environment. Variables already set win.
func LoadEnv(files ...string) {
	err := godotenv.Load(files...)

	if err != nil {
		logging.Default().WithError(err).Debug("no .env file found, using system envs")
	}
}

func GetEnv(key string, fallback string) string {
	if value, exist := os.LookupEnv(key); exist {
		return value
	}
	return fallback
}
