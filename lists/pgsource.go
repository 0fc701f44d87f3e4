package lists

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/migadu/herald/config"
	"github.com/migadu/herald/logger"
)

// PostgresSource loads list definitions from the external list-management
// database. The engine only reads; list mutation happens elsewhere.
type PostgresSource struct {
	Config config.PostgresConfig
}

const listsQuery = `
	SELECT name, address, owner, subject_prefix, max_message_size,
	       emergency, archive, digest,
	       banned_senders, suspicious, sieve_script, members,
	       chain, pipeline
	FROM lists
	ORDER BY name`

func (s *PostgresSource) Load(ctx context.Context) (*Registry, error) {
	conn, err := pgx.Connect(ctx, s.Config.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to list database: %w", err)
	}
	defer conn.Close(ctx)

	rows, err := conn.Query(ctx, listsQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query lists: %w", err)
	}
	defer rows.Close()

	var defs []config.ListConfig
	for rows.Next() {
		var (
			def      config.ListConfig
			chainRaw []byte
		)
		err := rows.Scan(
			&def.Name, &def.Address, &def.Owner, &def.SubjectPrefix, &def.MaxMessageSize,
			&def.Emergency, &def.Archive, &def.Digest,
			&def.BannedSenders, &def.Suspicious, &def.SieveScript, &def.Members,
			&chainRaw, &def.Pipeline,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan list row: %w", err)
		}
		if len(chainRaw) > 0 {
			if err := json.Unmarshal(chainRaw, &def.Chain); err != nil {
				return nil, fmt.Errorf("list %s: invalid chain definition: %w", def.Name, err)
			}
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read lists: %w", err)
	}

	logger.Info("lists: loaded definitions from postgres", "count", len(defs))
	return NewRegistry(defs)
}
