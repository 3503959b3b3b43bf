package roomstate

// Blank imports pinning pgx's transitive dependencies so module tidying keeps
// them resolvable alongside the pooled loader.
import (
	_ "github.com/jackc/pgpassfile"
	_ "github.com/jackc/pgservicefile"
	_ "golang.org/x/text/transform"
)
