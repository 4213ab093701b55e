package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

type IDType string

const (
	IDTypeJob     IDType = "job"
	IDTypeAgent   IDType = "agt"
	IDTypeSession IDType = "ses"
)

var validIDTypes = map[IDType]bool{
	IDTypeJob:     true,
	IDTypeAgent:   true,
	IDTypeSession: true,
}

var idRegex = regexp.MustCompile(`^(job|agt|ses)_[0-9]{10}_[0-9a-f]{8}$`)

// GenerateID returns a typed, sortable identifier: prefix, unix timestamp,
// and 4 random bytes.
func GenerateID(idType IDType) (string, error) {
	if !validIDTypes[idType] {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}

	timestamp := time.Now().Unix()
	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	hexStr := hex.EncodeToString(randomBytes)

	return fmt.Sprintf("%s_%010d_%s", idType, timestamp, hexStr), nil
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}
