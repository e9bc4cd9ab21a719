package scheduler

import "slices"

// InstanceName is the name of a template instantiated for variant.
func InstanceName(name, variant string) string {
	return name + " (" + variant + ")"
}

// Matrix instantiates each template once per variant. Instances belong to
// group and are named "<template> (<variant>)". A need naming another
// template of the same matrix is rewritten to the same-variant instance;
// other needs are kept as is.
func Matrix(group string, variants []string, failFast bool, templates ...Job) []Job {
	names := make([]string, len(templates))
	for i, t := range templates {
		names[i] = t.Name
	}

	jobs := make([]Job, 0, len(templates)*len(variants))
	for _, variant := range variants {
		for _, t := range templates {
			instance := t
			instance.Name = InstanceName(t.Name, variant)
			instance.Group = group
			instance.Variant = variant
			instance.FailFast = failFast
			instance.Needs = make([]string, len(t.Needs))
			for i, need := range t.Needs {
				if slices.Contains(names, need) {
					need = InstanceName(need, variant)
				}
				instance.Needs[i] = need
			}
			jobs = append(jobs, instance)
		}
	}
	return jobs
}
