package model

import (
	"fmt"
	"sort"
)

func fmtAny(v any) string {
	return fmt.Sprintf("%#v", v)
}

func sortStrings(ss []string) []string {
	sort.Strings(ss)
	return ss
}
