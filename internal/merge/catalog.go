package merge

import (
	"bytes"
	"fmt"
	"slices"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Category groups catalog variables
type Category string

const (
	CategoryBasic    Category = "basic"
	CategoryContact  Category = "contact"
	CategoryDate     Category = "date"
	CategoryAdvanced Category = "advanced"
	CategoryCustom   Category = "custom"
)

// Variable describes one personalization token
type Variable struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Example     string   `json:"example"`
	Category    Category `json:"category"`
}

var catalog = []Variable{
	{Name: "email", Description: "Recipient email address", Example: "ann.lee@example.com", Category: CategoryBasic},
	{Name: "recipient_email", Description: "Recipient email address (alias of email)", Example: "ann.lee@example.com", Category: CategoryBasic},
	{Name: "emailname", Description: "Part of the address before the @", Example: "ann.lee", Category: CategoryBasic},
	{Name: "domain", Description: "Domain part of the address", Example: "example.com", Category: CategoryBasic},
	{Name: "full_domain", Description: "Domain part of the address (alias of domain)", Example: "example.com", Category: CategoryBasic},
	{Name: "domain_name", Description: "Domain without its top level domain", Example: "example", Category: CategoryBasic},
	{Name: "firstname", Description: "First name guessed from the address, unless given as a field", Example: "Ann", Category: CategoryContact},
	{Name: "lastname", Description: "Last name guessed from the address, unless given as a field", Example: "Lee", Category: CategoryContact},
	{Name: "company", Description: "Company guessed from the domain, unless given as a field", Example: "Example", Category: CategoryContact},
	{Name: "day", Description: "Weekday at send time", Example: "Monday", Category: CategoryDate},
	{Name: "month", Description: "Month at send time", Example: "January", Category: CategoryDate},
	{Name: "date", Description: "Date at send time", Example: "2024-01-15", Category: CategoryDate},
	{Name: "year", Description: "Year at send time", Example: "2024", Category: CategoryDate},
	{Name: "time", Description: "Time of day at send time", Example: "14:30:00", Category: CategoryDate},
	{Name: "random_number", Description: "Three digit number, stable per recipient", Example: "042", Category: CategoryAdvanced},
	{Name: "unsubscribe", Description: "Per-recipient unsubscribe link", Example: DefaultUnsubscribeURL + "?email=ann.lee%40example.com", Category: CategoryAdvanced},
	{Name: "<any field>", Description: "Any key=value given on the recipient line; plan=pro makes {plan} available", Example: "pro", Category: CategoryCustom},
}

// Catalog returns the static list of personalization variables
func Catalog() []Variable {
	return slices.Clone(catalog)
}

func isBuiltin(name string) bool {
	for _, v := range catalog {
		if v.Category != CategoryCustom && v.Name == name {
			return true
		}
	}
	return false
}

var categoryOrder = []Category{CategoryBasic, CategoryContact, CategoryDate, CategoryAdvanced, CategoryCustom}

// Markdown renders the catalog as a Markdown document
func Markdown() string {
	var b strings.Builder
	b.WriteString("# Personalization variables\n\n")
	b.WriteString("Write a variable as `{name}` or `{{name}}` in the subject or body. ")
	b.WriteString("Fields from the recipient line win over built-in variables. ")
	b.WriteString("Unknown variables are left as written.\n\n")
	b.WriteString("Recipient lines take the form `email|key=value|key=value`.\n")

	for _, cat := range categoryOrder {
		fmt.Fprintf(&b, "\n## %s\n\n", strings.ToUpper(string(cat[:1]))+string(cat[1:]))
		b.WriteString("| Variable | Description | Example |\n")
		b.WriteString("|---|---|---|\n")
		for _, v := range catalog {
			if v.Category != cat {
				continue
			}
			fmt.Fprintf(&b, "| `{%s}` | %s | %s |\n", v.Name, v.Description, v.Example)
		}
	}
	return b.String()
}

// Documentation renders the catalog as HTML
func Documentation() (string, error) {
	md := goldmark.New(goldmark.WithExtensions(extension.Table))

	var buf bytes.Buffer
	if err := md.Convert([]byte(Markdown()), &buf); err != nil {
		return "", fmt.Errorf("failed to render documentation: %w", err)
	}
	return buf.String(), nil
}
