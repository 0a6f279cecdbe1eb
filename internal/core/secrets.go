package core

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
)

// LoadSecretsEnv reads KEY=VALUE pairs from a dotenv file. A missing file is
// not an error; an unreadable or malformed one is.
func LoadSecretsEnv(path string) (map[string]string, error) {
	out, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read secrets %s: %w", path, err)
	}
	return out, nil
}
