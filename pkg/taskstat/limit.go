package taskstat

import "fmt"

// DefaultMaxTasks is the default cap on tasks reported individually.
const DefaultMaxTasks = 200

// Select picks the tasks that get per-task gauges.
//
// A non-empty filter keeps only tasks it names. The result is then cut to
// the first maxTasks entries in received order. maxTasks must be positive.
// Select never reorders and never modifies tasks.
func Select(tasks []TaskStat, filter []string, maxTasks int) ([]TaskStat, []Diagnostic) {
	var diags []Diagnostic

	if len(filter) > maxTasks {
		diags = append(diags, Diagnostic{
			Kind:    DiagFilterExceedsCap,
			Message: fmt.Sprintf("The maximum number of tasks you can specify is %d.", maxTasks),
		})
	}

	selected := tasks
	if len(filter) > 0 {
		allowed := make(map[string]struct{}, len(filter))
		for _, name := range filter {
			allowed[name] = struct{}{}
		}
		selected = make([]TaskStat, 0, min(len(tasks), len(allowed)))
		for _, t := range tasks {
			if _, ok := allowed[t.Name]; ok {
				selected = append(selected, t)
			}
		}
	}

	if len(selected) > maxTasks {
		diags = append(diags, Diagnostic{
			Kind: DiagTooManyTasks,
			Message: fmt.Sprintf("Too many tasks to fetch (%d, limit %d). "+
				"You must choose the tasks you are interested in with the 'tasks' setting.", len(selected), maxTasks),
		})
		selected = selected[:maxTasks]
	}

	return selected, diags
}
