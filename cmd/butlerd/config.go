package main

import (
	"fmt"

	"github.com/tzeusy/butlers/common/crypto"
	"github.com/tzeusy/butlers/common/environment"
	"github.com/tzeusy/butlers/internal/corerr"
)

// dsnFromEnv resolves the Postgres connection string: DATABASE_URL wins
// outright, otherwise it's assembled from the discrete POSTGRES_* parts per
// the CLI's documented environment variables.
func dsnFromEnv() (string, error) {
	if dsn := environment.StringOr("DATABASE_URL", ""); dsn != "" {
		return dsn, nil
	}

	host := environment.StringOr("POSTGRES_HOST", "")
	if host == "" {
		return "", corerr.New(corerr.KindValidation,
			"neither DATABASE_URL nor POSTGRES_HOST is set", nil)
	}
	port := environment.StringOr("POSTGRES_PORT", "5432")
	user := environment.StringOr("POSTGRES_USER", "postgres")
	password := environment.StringOr("POSTGRES_PASSWORD", "")
	database := environment.StringOr("POSTGRES_DB", "butlers")
	sslmode := environment.StringOr("POSTGRES_SSLMODE", "disable")

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, database, sslmode), nil
}

// masterKeyFromEnv loads the credential store's AES-256 key, the same
// mechanism cmd/ruriko uses.
func masterKeyFromEnv() ([]byte, error) {
	key, err := crypto.LoadMasterKey()
	if err != nil {
		return nil, corerr.New(corerr.KindValidation, "load master key", err)
	}
	return key, nil
}

func rosterPathFromEnv() string {
	return environment.StringOr("BUTLERD_ROSTER", "./roster.yaml")
}

func envPrefixFromEnv() string {
	return environment.StringOr("BUTLERD_ENV_PREFIX", "BUTLER_")
}
