package accounts

import (
	"fmt"
	"os"
)

func readLogoFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("accounts: read_logo_file: %w", err)
	}
	return data, nil
}
