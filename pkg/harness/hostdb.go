package harness

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/flanksource/postgres-backups/pkg/docker"
	"github.com/flanksource/postgres-backups/pkg/utils"
)

// HostDB connects to a scenario container through its published port.
type HostDB struct {
	Host     string
	User     string
	Password utils.SensitiveString
	Database string
}

func (h HostDB) DSN(port int) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		h.Host, port, h.User, h.Password.Value(), h.Database)
}

// CountRows returns how many rows of companies hold name.
func (h HostDB) CountRows(ctx context.Context, port int, name string) (int, error) {
	db, err := sql.Open("postgres", h.DSN(port))
	if err != nil {
		return 0, fmt.Errorf("failed to open connection: %w", err)
	}
	defer db.Close()

	var count int
	if err := db.QueryRowContext(ctx, "SELECT count(*) FROM companies WHERE name = $1", name).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to query companies on port %d: %w", port, err)
	}
	return count, nil
}

// VerifyRestored is a VerifyFunc that expects exactly one restored row.
func (h HostDB) VerifyRestored(row string) VerifyFunc {
	return func(ctx context.Context, ctr *docker.ContainerHandle, _ map[string]string) error {
		port := ctr.HostPort(docker.ContainerPort)
		if port == 0 {
			return fmt.Errorf("%s publishes no port for %s", ctr, docker.ContainerPort)
		}
		count, err := h.CountRows(ctx, port, row)
		if err != nil {
			return err
		}
		if count != 1 {
			return fmt.Errorf("expected 1 restored row %q, found %d", row, count)
		}
		return nil
	}
}
