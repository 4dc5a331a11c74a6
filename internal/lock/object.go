package lock

// An Object represents a lockable record: Key is the record key
// and Table the id of the table it belongs to.
type Object struct {
	Key   string
	Table uint64
}

func NewRecordObject(tableID uint64, key []byte) *Object {
	return &Object{Key: string(key), Table: tableID}
}
