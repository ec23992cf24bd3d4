package audit

import (
	"reflect"

	"github.com/Kecupro/SoftwareManage-sub001/internal/domain"
)

// Changes accumulates field diffs for an update entry.
type Changes []domain.Change

// Add records field when oldValue and newValue differ.
func (c Changes) Add(field string, oldValue, newValue any) Changes {
	if reflect.DeepEqual(oldValue, newValue) {
		return c
	}
	return append(c, domain.Change{Field: field, OldValue: oldValue, NewValue: newValue})
}
