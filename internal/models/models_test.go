package models

import (
	"reflect"
	"strings"
	"testing"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

// assertFieldType checks that a struct field has the expected Go type.
func assertFieldType(t *testing.T, typ reflect.Type, fieldName, expectedType string) {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	got := f.Type.String()
	if got != expectedType {
		t.Errorf("%s.%s type = %q, want %q", typ.Name(), fieldName, got, expectedType)
	}
}

func TestDialog_Fields(t *testing.T) {
	typ := reflect.TypeOf(Dialog{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "ExternalUserID", "uniqueIndex")
	assertGormTag(t, typ, "ExternalUserID", "not null")
	assertGormTag(t, typ, "ThreadID", "index")
	assertGormTag(t, typ, "Status", "default:open")
	assertGormTag(t, typ, "Status", "index")

	assertFieldType(t, typ, "ExternalUserID", "string")
	assertFieldType(t, typ, "ThreadID", "*string")
	assertFieldType(t, typ, "SubjectRef", "*uint")
	assertFieldType(t, typ, "CreatedAt", "time.Time")
	assertFieldType(t, typ, "UpdatedAt", "time.Time")
}

func TestDialog_SubjectRefIsWeak(t *testing.T) {
	typ := reflect.TypeOf(Dialog{})
	if _, ok := typ.FieldByName("Subject"); ok {
		t.Error("Dialog must not carry a Subject association; SubjectRef is a weak reference")
	}
	if tag := gormTag(t, typ, "SubjectRef"); strings.Contains(tag, "foreignKey") {
		t.Errorf("SubjectRef gorm tag = %q, want no foreign key", tag)
	}
}

func TestDialog_Relations(t *testing.T) {
	typ := reflect.TypeOf(Dialog{})
	assertGormTag(t, typ, "Messages", "foreignKey:DialogID")
	assertFieldType(t, typ, "Messages", "[]models.Message")
}

func TestDialog_HasThread(t *testing.T) {
	empty := ""
	id := "42"
	tests := []struct {
		name   string
		thread *string
		want   bool
	}{
		{"nil", nil, false},
		{"empty", &empty, false},
		{"set", &id, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Dialog{ThreadID: tt.thread}
			if got := d.HasThread(); got != tt.want {
				t.Errorf("HasThread() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMessage_Fields(t *testing.T) {
	typ := reflect.TypeOf(Message{})

	assertGormTag(t, typ, "ID", "autoIncrement")
	assertGormTag(t, typ, "DialogID", "index")
	assertGormTag(t, typ, "Text", "type:text")
	assertGormTag(t, typ, "Direction", "size:16")

	assertFieldType(t, typ, "DialogID", "uint")
	assertFieldType(t, typ, "Direction", "models.Direction")
}

func TestMessage_NoUpdatedAt(t *testing.T) {
	if _, ok := reflect.TypeOf(Message{}).FieldByName("UpdatedAt"); ok {
		t.Error("Message is append-only and must not track UpdatedAt")
	}
}

func TestDirection_Values(t *testing.T) {
	if FromUser != "from_user" {
		t.Errorf("FromUser = %q, want from_user", FromUser)
	}
	if FromAdmin != "from_admin" {
		t.Errorf("FromAdmin = %q, want from_admin", FromAdmin)
	}
}

func TestLot_Fields(t *testing.T) {
	typ := reflect.TypeOf(Lot{})

	assertGormTag(t, typ, "Title", "not null")
	assertGormTag(t, typ, "IsActive", "default:true")
	assertFieldType(t, typ, "Price", "int")
	assertFieldType(t, typ, "IsActive", "bool")

	if got := (Lot{}).TableName(); got != "lots" {
		t.Errorf("Lot.TableName() = %q, want lots", got)
	}
}

func TestRelayLease_Fields(t *testing.T) {
	typ := reflect.TypeOf(RelayLease{})

	assertGormTag(t, typ, "Key", "primaryKey")
	assertGormTag(t, typ, "ExpiresAt", "not null")
	assertFieldType(t, typ, "ExpiresAt", "time.Time")

	if got := (RelayLease{}).TableName(); got != "relay_leases" {
		t.Errorf("RelayLease.TableName() = %q, want relay_leases", got)
	}
}
