package tool

import (
	"regexp"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// sqlKeyword 可能开启一条修改语句的关键字
var sqlKeyword = regexp.MustCompile(`(?i)\b(drop|delete|insert|update|truncate|alter|create|grant)\b`)

const (
	maxSQLFragments   = 16
	maxSQLFragmentLen = 500
)

// isSQLCommand 判断文本中是否嵌入了可执行的修改类 SQL 语句
// 从每个关键字处截取片段交给 PostgreSQL 解析器，只有解析成功且为修改类语句才算命中，
// 自然语言中的 "update" "create" 等词不会被误判
func isSQLCommand(s string) bool {
	locs := sqlKeyword.FindAllStringIndex(s, maxSQLFragments)
	for _, loc := range locs {
		frag := s[loc[0]:]
		if i := strings.IndexByte(frag, ';'); i >= 0 {
			frag = frag[:i]
		}
		if len(frag) > maxSQLFragmentLen {
			frag = frag[:maxSQLFragmentLen]
		}
		if modifyingStatement(frag) {
			return true
		}
	}
	return false
}

func modifyingStatement(sql string) bool {
	result, err := pg_query.Parse(sql)
	if err != nil {
		return false
	}
	for _, raw := range result.Stmts {
		stmt := raw.GetStmt()
		if stmt == nil {
			continue
		}
		if stmt.GetDropStmt() != nil ||
			stmt.GetDeleteStmt() != nil ||
			stmt.GetInsertStmt() != nil ||
			stmt.GetUpdateStmt() != nil ||
			stmt.GetTruncateStmt() != nil ||
			stmt.GetAlterTableStmt() != nil ||
			stmt.GetCreateStmt() != nil ||
			stmt.GetGrantStmt() != nil {
			return true
		}
	}
	return false
}
