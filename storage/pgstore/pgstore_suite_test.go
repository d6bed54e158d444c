package pgstore_test

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var integration = flag.Bool("integration", false, "perform integration tests")

var (
	ctx       context.Context
	cancel    context.CancelFunc
	pool      *pgxpool.Pool
	dsn       string
	container testcontainers.Container
)

func TestPgStore(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	RegisterFailHandler(Fail)
	RunSpecs(t, "Postgres Storage Suite")
}

var _ = BeforeSuite(func() {
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Minute)

	var err error

	pool, container, err = setupTestDatabase(ctx)
	Expect(err).NotTo(HaveOccurred())
})

var _ = AfterSuite(func() {
	if pool != nil {
		pool.Close()
	}

	if container != nil {
		_ = container.Terminate(ctx)
	}

	if cancel != nil {
		cancel()
	}
})

func setupTestDatabase(ctx context.Context) (*pgxpool.Pool, testcontainers.Container, error) {
	secret := make([]byte, 12)
	if _, err := rand.Read(secret); err != nil {
		return nil, nil, fmt.Errorf("generate password: %w", err)
	}

	password := hex.EncodeToString(secret)

	req := testcontainers.ContainerRequest{
		Image:        "postgres:17.5-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": password,
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}

	postgresC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, nil, err
	}

	host, err := postgresC.Host(ctx)
	if err != nil {
		return nil, nil, err
	}

	port, err := postgresC.MappedPort(ctx, "5432")
	if err != nil {
		return nil, nil, err
	}

	dsn = fmt.Sprintf("postgres://postgres:%s@%s:%s/postgres?sslmode=disable", password, host, port.Port())

	var p *pgxpool.Pool

	// the port listens before postgres accepts connections
	for i := 0; i < 30; i++ {
		p, err = pgxpool.New(ctx, dsn)
		if err == nil {
			if err = p.Ping(ctx); err == nil {
				return p, postgresC, nil
			}

			p.Close()
		}

		time.Sleep(time.Second)
	}

	return nil, postgresC, err
}
