package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/feedstash/feedstash/internal/sqlbuilder"
	"github.com/feedstash/feedstash/internal/types"
)

// Tag is one (key, JSON value) pair attached to a resource.
type Tag struct {
	Key   string
	Value json.RawMessage
}

type tagSchemaInfo struct {
	tablePrefix string
	idColumns   []string
	notFound    func(resource types.ResourceID) error
}

var tagSchemaInfos = map[int]tagSchemaInfo{
	0: {
		tablePrefix: "global_",
		notFound: func(types.ResourceID) error {
			panic("the global resource always exists")
		},
	},
	1: {
		tablePrefix: "feed_",
		idColumns:   []string{"feed"},
		notFound: func(r types.ResourceID) error {
			return &types.FeedNotFoundError{URL: r[0]}
		},
	},
	2: {
		tablePrefix: "entry_",
		idColumns:   []string{"feed", "id"},
		notFound: func(r types.ResourceID) error {
			return &types.EntryNotFoundError{FeedURL: r[0], ID: r[1]}
		},
	},
}

// GetTags returns the tags of a resource as a paginated iterator,
// optionally filtered by key. A nil resource returns the distinct
// union of keys across all resources, with null values.
func (s *Storage) GetTags(ctx context.Context, resource types.ResourceID, key string) *sqlbuilder.Paginator[Tag] {
	makeQuery := func() (*sqlbuilder.Query, map[string]any) {
		query := sqlbuilder.New().Select("key")
		context := map[string]any{}

		if resource != nil {
			info := tagSchemaInfos[len(resource)]
			query.From(info.tablePrefix + "tags")
			query.Select("value")
			for i, column := range info.idColumns {
				query.Where(fmt.Sprintf("%s = :%s", column, column))
				context[column] = resource[i]
			}
		} else {
			var selects []string
			for _, n := range []int{0, 1, 2} {
				info := tagSchemaInfos[n]
				selects = append(selects, "SELECT key, value FROM "+info.tablePrefix+"tags")
			}
			query.With("tags", strings.Join(selects, "\nUNION\n")).From("tags")
			query.Select("'null'")
			query.Distinct()
		}

		if key != "" {
			query.Where("key = :key")
			context["key"] = key
		}

		query.ScrollingWindowOrderBy("WHERE", false, "key")
		return query, context
	}

	scan := func(rows *sql.Rows) (Tag, []any, error) {
		var tagKey, value string
		if err := rows.Scan(&tagKey, &value); err != nil {
			return Tag{}, nil, err
		}
		// the key doubles as the cursor; it is the only sort key
		return Tag{Key: tagKey, Value: json.RawMessage(value)}, []any{tagKey}, nil
	}

	return sqlbuilder.Paginated(s.db, makeQuery, s.chunkSize, 0, nil, scan)
}

// GetTag returns the value of a single tag.
func (s *Storage) GetTag(ctx context.Context, resource types.ResourceID, key string) (json.RawMessage, error) {
	info := tagSchemaInfos[len(resource)]

	var conds []string
	args := make([]any, 0, len(resource)+1)
	for i, column := range info.idColumns {
		conds = append(conds, column+" = ?")
		args = append(args, resource[i])
	}
	conds = append(conds, "key = ?")
	args = append(args, key)

	var value string
	err := s.db.QueryRowContext(
		ctx,
		fmt.Sprintf(
			"SELECT value FROM %stags WHERE %s",
			info.tablePrefix, strings.Join(conds, " AND "),
		),
		args...,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, &types.TagNotFoundError{Resource: resource, Key: key}
	}
	if err != nil {
		return nil, wrapError("while getting tag", err)
	}
	return json.RawMessage(value), nil
}

// SetTag upserts a tag. A nil value preserves any existing value,
// defaulting to JSON null; values must be valid JSON.
func (s *Storage) SetTag(ctx context.Context, resource types.ResourceID, key string, value json.RawMessage) error {
	info := tagSchemaInfos[len(resource)]

	idColumns := append(append([]string{}, info.idColumns...), "key")
	idColumnsStr := strings.Join(idColumns, ", ")
	var placeholders []string
	for _, c := range idColumns {
		placeholders = append(placeholders, ":"+c)
	}
	idValuesStr := strings.Join(placeholders, ", ")

	params := map[string]any{"key": key}
	for i, column := range info.idColumns {
		params[column] = resource[i]
	}

	var valueStr string
	if value != nil {
		valueStr = ":value"
		params["value"] = string(value)
	} else {
		valueStr = fmt.Sprintf(`
			coalesce((
			    SELECT value FROM %stags
			    WHERE (
			        %s
			    ) = (
			        %s
			    )
			), 'null')`, info.tablePrefix, idColumnsStr, idValuesStr)
	}

	query := fmt.Sprintf(`
		INSERT OR REPLACE INTO %stags (
		    %s, value
		) VALUES (
		    %s, %s
		)`, info.tablePrefix, idColumnsStr, idValuesStr, valueStr)

	_, err := s.db.ExecContext(ctx, query, sqlbuilder.NamedArgs(params)...)
	if err != nil {
		if errMsgContains(err, "foreign key constraint failed") {
			return info.notFound(resource)
		}
		return wrapError("while setting tag", err)
	}
	return nil
}

// DeleteTag removes a tag, failing if it does not exist.
func (s *Storage) DeleteTag(ctx context.Context, resource types.ResourceID, key string) error {
	info := tagSchemaInfos[len(resource)]

	columns := append(append([]string{}, info.idColumns...), "key")
	var placeholders []string
	args := make([]any, 0, len(columns))
	for i := range info.idColumns {
		placeholders = append(placeholders, "?")
		args = append(args, resource[i])
	}
	placeholders = append(placeholders, "?")
	args = append(args, key)

	query := fmt.Sprintf(`
		DELETE FROM %stags
		WHERE (
		    %s
		) = (
		    %s
		)`,
		info.tablePrefix,
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
	)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return wrapError("while deleting tag", err)
	}
	return rowcountExactlyOne(result, func() error {
		return &types.TagNotFoundError{Resource: resource, Key: key}
	})
}
