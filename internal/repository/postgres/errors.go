package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/BarkinBalci/event-ingestion-service/internal/repository"
)

// classify wraps errors caused by the data itself with ErrPermanent.
// Connection, serialization and deadlock failures stay transient.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && isPermanent(pgErr.Code) {
		return fmt.Errorf("%w: %w", repository.ErrPermanent, err)
	}
	return err
}

func isPermanent(code string) bool {
	return pgerrcode.IsDataException(code) || pgerrcode.IsIntegrityConstraintViolation(code)
}
