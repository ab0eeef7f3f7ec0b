package cli

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/lib/pq"

	"github.com/theblitlabs/parity-federated/internal/config"
	"github.com/theblitlabs/parity-federated/pkg/logger"
)

func GetMigrationFiles(migrationType string) ([]string, error) {
	migrationDir := "internal/database/migrations"

	files, err := filepath.Glob(filepath.Join(migrationDir, "*."+migrationType+".sql"))
	if err != nil {
		return nil, fmt.Errorf("failed to read migration files: %w", err)
	}

	sort.Slice(files, func(i, j int) bool {
		versionI := strings.Split(filepath.Base(files[i]), "_")[0]
		versionJ := strings.Split(filepath.Base(files[j]), "_")[0]
		return versionI < versionJ
	})

	// Down migrations roll back newest first.
	if migrationType == "down" {
		for i, j := 0, len(files)-1; i < j; i, j = i+1, j-1 {
			files[i], files[j] = files[j], files[i]
		}
	}

	return files, nil
}

func RunMigrate(configPath string, down bool) {
	log := logger.WithComponent("migrate")

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if cfg.Database.URL == "" {
		log.Fatal().Msg("database.url is required")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	migrationType := "up"
	if down {
		migrationType = "down"
	}

	migrationFiles, err := GetMigrationFiles(migrationType)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to get migration files")
	}
	if len(migrationFiles) == 0 {
		log.Fatal().Msgf("No %s migration files found", migrationType)
	}

	for _, sqlFile := range migrationFiles {
		log.Info().Str("file", filepath.Base(sqlFile)).Msgf("Executing %s migration", migrationType)

		migrationSQL, err := os.ReadFile(sqlFile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to read migration file")
		}

		if _, err := db.Exec(string(migrationSQL)); err != nil {
			log.Fatal().Err(err).Msg("Failed to execute migration")
		}
	}

	log.Info().Msgf("Migrations (%s) completed successfully", migrationType)
}
