package repository

import (
	"fmt"
	"strings"
)

type sqlBuilder struct {
	args []any
}

func newSQLBuilder() *sqlBuilder {
	return &sqlBuilder{args: make([]any, 0)}
}

func (b *sqlBuilder) addArg(value any) int {
	b.args = append(b.args, value)
	return len(b.args)
}

func (b *sqlBuilder) placeholder(idx int) string {
	return fmt.Sprintf("$%d", idx)
}

// arg adds value and returns its placeholder.
func (b *sqlBuilder) arg(value any) string {
	return b.placeholder(b.addArg(value))
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike makes value safe to use as a literal LIKE pattern prefix.
func escapeLike(value string) string {
	return likeEscaper.Replace(value)
}
