package profiler

import (
	"strconv"
	"strings"
	"text/template"

	"github.com/pkg/errors"
)

// Template variables available to task arguments
const (
	VarNumThreads       = "num_threads"
	VarOutputDirectory  = "output_directory"
	VarStorageDirectory = "storage_directory"
)

// ArgVars are the template variables of one run
type ArgVars struct {
	NumThreads int
	// OutputDirectory is the storage location as seen by the program
	OutputDirectory string
	// StorageDirectory is the storage location on the host
	StorageDirectory string
}

func (v ArgVars) values() map[string]string {
	return map[string]string{
		VarNumThreads:       strconv.Itoa(v.NumThreads),
		VarOutputDirectory:  v.OutputDirectory,
		VarStorageDirectory: v.StorageDirectory,
	}
}

// ExpandArgs renders every argument as a template. Variables can be used
// either as fields ({{.num_threads}}) or by name ({{ num_threads }}).
// Referencing an unknown variable is an error.
func ExpandArgs(args []string, vars ArgVars) ([]string, error) {
	if len(args) == 0 {
		return []string{}, nil
	}

	values := vars.values()
	funcs := template.FuncMap{}
	for name, value := range values {
		funcs[name] = func() string { return value }
	}

	expanded := make([]string, 0, len(args))
	for i, arg := range args {
		if !strings.Contains(arg, "{{") {
			expanded = append(expanded, arg)
			continue
		}
		tmpl, err := template.New("arg").Funcs(funcs).Option("missingkey=error").Parse(arg)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing argument %d %q", i, arg)
		}
		var b strings.Builder
		if err := tmpl.Execute(&b, values); err != nil {
			return nil, errors.Wrapf(err, "expanding argument %d %q", i, arg)
		}
		expanded = append(expanded, b.String())
	}
	return expanded, nil
}
