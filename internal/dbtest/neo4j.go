package dbtest

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/docker/go-connections/nat"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	neo4jtest "github.com/testcontainers/testcontainers-go/modules/neo4j"
)

// Neo4jImage is the image of Neo4j containers. Attribute stores rely on node key
// constraints, which only the enterprise edition provides.
//
// See <https://hub.docker.com/_/neo4j> for more images.
const Neo4jImage = "docker.io/neo4j:5-enterprise"

// Port of the Neo4j browser:
// <https://neo4j.com/docs/browser-manual/current>
const neo4jHTTP = nat.Port("7474/tcp")

// SetupNeo4j runs a Neo4j container for the duration of t, and returns a driver
// connected to it. The driver is closed and the container terminated during
// cleanup of t.
//
// SetupNeo4j skips t in short mode, and marks it parallel otherwise.
func SetupNeo4j(t *testing.T) neo4j.DriverWithContext {
	t.Helper()

	// Container-based tests are long-running and should respect the '-short' flag.
	if testing.Short() {
		t.Skip("Skipping container-based test in short mode...")
	}
	t.Parallel()

	ctx := context.Background()
	opts := containerOptions(t,
		neo4jtest.WithoutAuthentication(),
		neo4jtest.WithAcceptCommercialLicenseAgreement(),
	)
	container, err := neo4jtest.Run(ctx, Neo4jImage, opts...)
	if err != nil {
		t.Fatal("Failed to run neo4j container:", err)
	}
	t.Cleanup(func() {
		t.Logf("Terminating neo4j container %q...", container.GetContainerID())
		if err := container.Terminate(ctx); err != nil {
			t.Error("Encountered an error during cleanup; terminate container:", err)
		}
	})

	boltURL, err := container.BoltUrl(ctx)
	if err != nil {
		t.Fatal("Failed to get bolt url:", err)
	}
	browser, err := container.PortEndpoint(ctx, neo4jHTTP, "http")
	if err != nil {
		t.Fatal("Failed to get http endpoint:", err)
	}

	driver, err := neo4j.NewDriverWithContext(boltURL, neo4j.NoAuth())
	if err != nil {
		t.Fatal("Failed to open neo4j driver:", err)
	}
	t.Cleanup(func() {
		if err := driver.Close(ctx); err != nil {
			t.Error("Encountered an error during cleanup while closing the neo4j driver:", err)
		}
	})
	if err := awaitConnectivity(t, ctx, driver); err != nil {
		t.Fatalf("Failed to establish a connection with the remote neo4j server: %v", err)
	}

	// Registered last, so it runs before the container is terminated.
	t.Cleanup(func() {
		if t.Failed() && *Inspect {
			t.Logf("Container %v is still running for inspection (Ctrl+C to terminate)...", container.GetContainerID())
			t.Logf("HTTP URL = %s/browser?preselectAuthMethod=%s&dbms=%s", browser, url.QueryEscape("[NO_AUTH]"), url.QueryEscape(boltURL))
			t.Logf("Bolt URL = %s", boltURL)
			waitForInspection()
		}
	})
	return driver
}

var illegalDatabaseChars = regexp.MustCompile(`[^a-z0-9.-]+`)

// DatabaseName returns a valid Neo4j database name derived from the name of t.
// Subtests of a single container get distinct databases this way.
func DatabaseName(t *testing.T) string {
	name := illegalDatabaseChars.ReplaceAllString(strings.ToLower(t.Name()), "-")
	name = strings.Trim(name, ".-")
	// Names must start with a letter, and must not use the reserved prefix.
	name = "t-" + name
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.TrimRight(name, ".-")
}

// awaitConnectivity verifies connectivity of the driver, retrying a few times
// because the container may report ready before Neo4j accepts connections.
func awaitConnectivity(t *testing.T, ctx context.Context, driver neo4j.DriverWithContext) error {
	t.Helper()

	const attempts = 6
	const pause = 100 * time.Millisecond

	var err error
	for i := range attempts {
		if i > 0 {
			t.Logf("Attempting retry [%d/%d] after failing to establish a connection with the remote neo4j server: %v", i, attempts-1, err)
			select {
			case <-time.After(pause):
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), "retry pause interrupted")
			}
		}
		if err = driver.VerifyConnectivity(ctx); err == nil {
			return nil
		}
	}
	return err
}
