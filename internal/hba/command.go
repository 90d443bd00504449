package hba

import "strings"

// SetCommand builds "hbaset <module> <field> <value>".
func SetCommand(module, field, value string) string {
	return strings.Join([]string{"hbaset", module, field, value}, " ")
}

// GetCommand builds "hbaget <module> <field>".
func GetCommand(module, field string) string {
	return strings.Join([]string{"hbaget", module, field}, " ")
}
