package provider

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// EnvGogoMode is the environment variable name for mode selection.
	EnvGogoMode = "GOGO_MODE"
	// ModeMock indicates mock mode should be used.
	ModeMock = "MOCK"
)

// NewProvider creates a provider based on the GOGO_MODE environment variable.
// If GOGO_MODE=MOCK, returns a MockClient; otherwise returns a real Client.
func NewProvider(baseURL, apiKey string, timeout time.Duration, logger *logrus.Logger) Provider {
	if os.Getenv(EnvGogoMode) == ModeMock {
		logger.Info("GOGO_MODE=MOCK detected, using mock provider")
		return NewMockClient()
	}
	return NewClient(baseURL, apiKey, timeout)
}
