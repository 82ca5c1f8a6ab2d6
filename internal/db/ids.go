package db

import (
	"fmt"
	"reflect"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RegisterCallbacks installs the create hook that assigns UUIDs to string
// primary keys left empty by the caller.
func RegisterCallbacks(gdb *gorm.DB) error {
	err := gdb.Callback().Create().Before("gorm:create").Register("agentdesk:assign_id", assignIDs)
	if err != nil {
		return fmt.Errorf("db: register callbacks: %w", err)
	}
	return nil
}

func assignIDs(tx *gorm.DB) {
	s := tx.Statement
	if s.Schema == nil {
		return
	}
	field := s.Schema.PrioritizedPrimaryField
	if field == nil || field.FieldType.Kind() != reflect.String {
		return
	}
	set := func(rv reflect.Value) {
		if _, zero := field.ValueOf(s.Context, rv); zero {
			if err := field.Set(s.Context, rv, uuid.NewString()); err != nil {
				tx.AddError(err)
			}
		}
	}
	switch s.ReflectValue.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < s.ReflectValue.Len(); i++ {
			set(reflect.Indirect(s.ReflectValue.Index(i)))
		}
	case reflect.Struct:
		set(s.ReflectValue)
	}
}
