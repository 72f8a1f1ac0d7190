package locks

import (
	"encoding/binary"
	"fmt"

	"github.com/dgryski/go-farm"
)

// Level is a granularity in the resource hierarchy.
type Level uint8

const (
	LevelDatabase Level = iota
	LevelTable
	LevelPage
	LevelRow
)

func (l Level) String() string {
	switch l {
	case LevelDatabase:
		return "database"
	case LevelTable:
		return "table"
	case LevelPage:
		return "page"
	case LevelRow:
		return "row"
	}
	return fmt.Sprintf("Level(%d)", uint8(l))
}

// Resource names a lockable node in the hierarchy
// database > table > page > row. Ids below Level are zero.
type Resource struct {
	Level Level
	DB    uint64
	Table uint64
	Page  uint64
	Row   uint64
}

func DatabaseResource(db uint64) Resource {
	return Resource{Level: LevelDatabase, DB: db}
}

func TableResource(db, table uint64) Resource {
	return Resource{Level: LevelTable, DB: db, Table: table}
}

func PageResource(db, table, page uint64) Resource {
	return Resource{Level: LevelPage, DB: db, Table: table, Page: page}
}

func RowResource(db, table, page, row uint64) Resource {
	return Resource{Level: LevelRow, DB: db, Table: table, Page: page, Row: row}
}

// Parent returns the enclosing resource. A database has none.
func (r Resource) Parent() (Resource, bool) {
	switch r.Level {
	case LevelTable:
		return DatabaseResource(r.DB), true
	case LevelPage:
		return TableResource(r.DB, r.Table), true
	case LevelRow:
		return PageResource(r.DB, r.Table, r.Page), true
	}
	return Resource{}, false
}

// Ancestors returns every enclosing resource, outermost first.
func (r Resource) Ancestors() []Resource {
	ancestors := make([]Resource, 0, int(r.Level))
	if r.Level >= LevelTable {
		ancestors = append(ancestors, DatabaseResource(r.DB))
	}
	if r.Level >= LevelPage {
		ancestors = append(ancestors, TableResource(r.DB, r.Table))
	}
	if r.Level >= LevelRow {
		ancestors = append(ancestors, PageResource(r.DB, r.Table, r.Page))
	}
	return ancestors
}

// Encode returns a byte key unique to the resource.
func (r Resource) Encode() []byte {
	b := make([]byte, 1+8*int(r.Level+1))
	b[0] = byte(r.Level)
	ids := [4]uint64{r.DB, r.Table, r.Page, r.Row}
	for i := 0; i <= int(r.Level); i++ {
		binary.BigEndian.PutUint64(b[1+8*i:], ids[i])
	}
	return b
}

func (r Resource) hash() uint64 {
	return farm.Fingerprint64(r.Encode())
}

func (r Resource) String() string {
	switch r.Level {
	case LevelDatabase:
		return fmt.Sprintf("db:%d", r.DB)
	case LevelTable:
		return fmt.Sprintf("db:%d/table:%d", r.DB, r.Table)
	case LevelPage:
		return fmt.Sprintf("db:%d/table:%d/page:%d", r.DB, r.Table, r.Page)
	}
	return fmt.Sprintf("db:%d/table:%d/page:%d/row:%d", r.DB, r.Table, r.Page, r.Row)
}
