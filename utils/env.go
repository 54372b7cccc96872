package env

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// Locations returns the places searched for a .env file, in order.
func Locations() []string {
	exDir := "."
	if exPath, err := os.Executable(); err == nil {
		exDir = filepath.Dir(exPath)
	}
	locations := []string{
		".env",                       // Current directory
		filepath.Join(exDir, ".env"), // Executable directory
		"/app/.env",                  // Docker container path
		"/etc/ocpp-central/.env",     // System config path
	}
	if home, err := os.UserHomeDir(); err == nil {
		locations = append(locations, filepath.Join(home, ".ocpp-central.env"))
	}
	return locations
}

// Load loads environment variables from path, or from the first existing
// file in Locations when path is empty. Variables already set in the process
// environment win. It returns the file that was loaded, or "" when none was
// found, which is fine for containers configured through the environment.
func Load(path string) (string, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return "", fmt.Errorf("load env file %s: %w", path, err)
		}
		return path, nil
	}
	for _, location := range Locations() {
		if _, err := os.Stat(location); err != nil {
			continue
		}
		if err := godotenv.Load(location); err != nil {
			return "", fmt.Errorf("load env file %s: %w", location, err)
		}
		return location, nil
	}
	return "", nil
}

// GetEnv gets an environment variable with a default value
func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
