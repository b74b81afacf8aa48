package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/jmcleod/backoffice/storage"
)

// TablesNamespace holds imported dataset rows, one record type per dataset.
const TablesNamespace = "tables"

// RepositoryLoader loads a dataset table stored as plain-JSON records and
// returns it as a JSON array ordered by record ID.
type RepositoryLoader struct {
	Repo    storage.Repository
	Dataset string
}

var _ Loader = RepositoryLoader{}

func (l RepositoryLoader) Load(ctx context.Context, _ string) ([]byte, error) {
	ids, err := l.Repo.List(ctx, TablesNamespace, l.Dataset)
	if errors.Is(err, storage.ErrNotFound) {
		return []byte("[]"), nil
	}
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	rows := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		env, err := l.Repo.Get(ctx, TablesNamespace, l.Dataset, id)
		if err != nil {
			return nil, fmt.Errorf("row %s: %w", id, err)
		}
		var row json.RawMessage
		if err := storage.DecodePlain(env, &row); err != nil {
			return nil, fmt.Errorf("row %s: %w", id, err)
		}
		rows = append(rows, row)
	}
	return json.Marshal(rows)
}

// ImportRows writes rows into dataset in one batch, overwriting rows
// that share an ID.
// A row's "id" field, when it is a string or number, becomes its record
// ID; otherwise the row's position is used.
func ImportRows(ctx context.Context, repo storage.Repository, dataset string, rows []json.RawMessage) (int, error) {
	if dataset == "" {
		return 0, errors.New("dataset name is required")
	}
	err := repo.Batch(ctx, TablesNamespace, func(tx storage.BatchTx) error {
		for i, row := range rows {
			env, err := storage.PlainRecord(row, 0)
			if err != nil {
				return err
			}
			if err := tx.Put(dataset, rowID(row, i), env); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("importing %s: %w", dataset, err)
	}
	return len(rows), nil
}

func rowID(row json.RawMessage, index int) string {
	var withID struct {
		ID any `json:"id"`
	}
	if json.Unmarshal(row, &withID) == nil {
		switch id := withID.ID.(type) {
		case string:
			if id != "" {
				return id
			}
		case float64:
			return strconv.FormatFloat(id, 'f', -1, 64)
		}
	}
	return fmt.Sprintf("%08d", index)
}
