package testutil

import (
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/ajitpratap0/geodoc/pkg/store"
)

// Environment variables that enable integration tests against a live MongoDB.
const (
	MongoHostEnv     = "GEODOC_TEST_MONGO_HOST"
	MongoPortEnv     = "GEODOC_TEST_MONGO_PORT"
	MongoUserEnv     = "GEODOC_TEST_MONGO_USER"
	MongoPasswordEnv = "GEODOC_TEST_MONGO_PASSWORD"
)

// IntegrationTest marks a test as an integration test
func IntegrationTest(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// MongoOptions returns connection options for the MongoDB named by the environment,
// skipping the test when none is configured. Each test gets its own database.
func MongoOptions(t *testing.T) store.Options {
	t.Helper()
	IntegrationTest(t)

	host := os.Getenv(MongoHostEnv)
	if host == "" {
		t.Skipf("Skipping MongoDB integration test: %s is not set", MongoHostEnv)
	}
	port := 27017
	if raw := os.Getenv(MongoPortEnv); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			t.Fatalf("invalid %s: %v", MongoPortEnv, err)
		}
		port = p
	}

	return store.Options{
		Host:           host,
		Port:           port,
		Username:       os.Getenv(MongoUserEnv),
		Password:       os.Getenv(MongoPasswordEnv),
		Database:       "geodoc_test_" + strconv.FormatInt(time.Now().UnixNano(), 36),
		ConnectTimeout: 5 * time.Second,
	}
}
