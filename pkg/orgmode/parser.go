package orgmode

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/harrisonrobin/taskmirror/pkg/model"
)

var (
	headingRegex   = regexp.MustCompile(`^\*+\s+(TODO|DONE)\s*(?:\[#([A-Z])\])?\s*(.*?)(?:\s+:((?:\w+:)+))?\s*$`)
	deadlineRegex  = regexp.MustCompile(`DEADLINE:\s+<(\d{4}-\d{2}-\d{2})\s+[A-Za-z]{3}(?:\s+(\d{2}:\d{2}))?>`)
	scheduledRegex = regexp.MustCompile(`SCHEDULED:\s+<(\d{4}-\d{2}-\d{2})\s+[A-Za-z]{3}(?:\s+(\d{2}:\d{2}))?>`)
	idRegex        = regexp.MustCompile(`^:ID:\s+([a-fA-F0-9-]+)`)
	checkboxRegex  = regexp.MustCompile(`^[-+]\s+\[([ xX])\]\s+(.+)$`)
)

// ParseFiles parses multiple Org-mode files and returns their tasks in file
// order.
func ParseFiles(filePaths []string, loc *time.Location) ([]model.Task, error) {
	var allTasks []model.Task
	for _, filePath := range filePaths {
		tasks, err := parseFile(filePath, loc)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filePath, err)
		}
		allTasks = append(allTasks, tasks...)
	}
	return allTasks, nil
}

func parseFile(filePath string, loc *time.Location) ([]model.Task, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return Parse(file, loc)
}

// Parse reads TODO and DONE headings. A heading becomes a task only when its
// property drawer carries an :ID:. SCHEDULED sets the start date and time,
// DEADLINE sets the alert, checkbox items become subtasks, and the first tag
// becomes the category. Other body lines are kept as notes.
func Parse(r io.Reader, loc *time.Location) ([]model.Task, error) {
	if loc == nil {
		loc = time.Local
	}
	scanner := bufio.NewScanner(r)
	var tasks []model.Task
	var current *model.Task
	var notes []string
	inDrawer := false

	finish := func() {
		if current != nil && current.ID != "" && current.Title != "" {
			current.Notes = strings.TrimSpace(strings.Join(notes, "\n"))
			for i := range current.Subtasks {
				current.Subtasks[i].ID = fmt.Sprintf("%s-%d", current.ID, i+1)
			}
			tasks = append(tasks, *current)
		}
		current, notes, inDrawer = nil, nil, false
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if strings.HasPrefix(line, "*") {
			if m := headingRegex.FindStringSubmatch(line); m != nil {
				finish()
				current = &model.Task{
					Title:        strings.TrimSpace(m[3]),
					Completed:    m[1] == "DONE",
					ReminderKind: model.ReminderNotification,
				}
				if m[4] != "" {
					tags := strings.Split(strings.Trim(m[4], ":"), ":")
					current.Category = &model.Category{Label: tags[0]}
				}
				continue
			}
			if strings.HasPrefix(strings.TrimLeft(line, "*"), " ") {
				// Any other heading ends the current entry.
				finish()
				continue
			}
		}
		if current == nil {
			continue
		}

		switch {
		case line == ":PROPERTIES:":
			inDrawer = true
		case line == ":END:":
			inDrawer = false
		case inDrawer:
			if m := idRegex.FindStringSubmatch(line); m != nil {
				current.ID = m[1]
			}
		case deadlineRegex.MatchString(line) || scheduledRegex.MatchString(line):
			if m := scheduledRegex.FindStringSubmatch(line); m != nil {
				if d, err := model.ParseDate(m[1]); err == nil {
					current.StartDate = d
					if m[2] != "" {
						if tod, err := model.ParseTimeOfDay(m[2]); err == nil {
							current.StartTime = tod
						}
					}
				}
			}
			if m := deadlineRegex.FindStringSubmatch(line); m != nil {
				stamp := m[1] + " 00:00"
				if m[2] != "" {
					stamp = m[1] + " " + m[2]
				}
				if deadline, err := time.ParseInLocation("2006-01-02 15:04", stamp, loc); err == nil {
					alert := deadline.UTC()
					current.AlertTime = &alert
				}
			}
		default:
			if m := checkboxRegex.FindStringSubmatch(line); m != nil {
				current.Subtasks = append(current.Subtasks, model.Subtask{
					Title:     strings.TrimSpace(m[2]),
					Completed: m[1] != " ",
				})
				continue
			}
			notes = append(notes, line)
		}
	}
	finish()

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

// FilterTasks keeps the tasks whose category matches filter.
func FilterTasks(tasks []model.Task, filter string) []model.Task {
	var filteredTasks []model.Task
	for _, task := range tasks {
		if task.Category != nil && task.Category.Label == filter {
			filteredTasks = append(filteredTasks, task)
		}
	}
	return filteredTasks
}
