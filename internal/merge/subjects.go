package merge

import "strings"

// DefaultSubject is used when a campaign has no subject lines
const DefaultSubject = "Important information for you"

// ParseSubjects returns one subject per non-blank line
func ParseSubjects(text string) []string {
	var subjects []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		subjects = append(subjects, line)
	}
	return subjects
}

// SubjectFor picks the subject of the i-th recipient, cycling the list
func SubjectFor(subjects []string, i int) string {
	if len(subjects) == 0 {
		return DefaultSubject
	}
	return subjects[i%len(subjects)]
}
