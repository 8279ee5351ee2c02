package ingest

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

const (
	DefaultKeyFile = "deepseek_api_key.secret"
	apiKeyEnv      = "DEEPSEEK_API_KEY"
	apiKeyFileEnv  = "DEEPSEEK_API_KEY_FILE"
)

// LoadAPIKey resolves the DeepSeek credential, in order: the key file named
// by DEEPSEEK_API_KEY_FILE (missing file is an error when explicitly named),
// the default secret file in the working directory, then DEEPSEEK_API_KEY
// from the environment, with a .env file loaded first if present.
func LoadAPIKey() (string, error) {
	if path := os.Getenv(apiKeyFileEnv); path != "" {
		key, found, err := readKeyFile(path)
		if err != nil {
			return "", err
		}
		if !found {
			return "", errors.Errorf("key file named by %s does not exist: %s", apiKeyFileEnv, path)
		}
		return key, nil
	}

	key, found, err := readKeyFile(DefaultKeyFile)
	if err != nil {
		return "", err
	}
	if found {
		return key, nil
	}

	// a .env in the working directory may carry the key; ignore absence
	_ = godotenv.Load()
	if key := strings.TrimSpace(os.Getenv(apiKeyEnv)); key != "" {
		return key, nil
	}

	return "", errors.Errorf("no DeepSeek key found: place %s in the working directory or set %s",
		DefaultKeyFile, apiKeyEnv)
}

func readKeyFile(path string) (key string, found bool, err error) {
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "reading key file %s", path)
	}
	key = strings.TrimSpace(string(content))
	if key == "" {
		return "", false, errors.Errorf("key file %s is empty", path)
	}
	return key, true, nil
}
