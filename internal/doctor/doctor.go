package doctor

// Doctor runs a fixed list of registered Checks, the way the teacher's
// Doctor does, minus the category/rig filtering this fleet has no use for
// (there's one project root per invocation, not a town of rigs).
type Doctor struct {
	checks []Check
}

func NewDoctor() *Doctor {
	return &Doctor{}
}

func (d *Doctor) Register(c Check) {
	d.checks = append(d.checks, c)
}

func (d *Doctor) RegisterAll(cs ...Check) {
	d.checks = append(d.checks, cs...)
}

func (d *Doctor) Checks() []Check { return d.checks }

// Run executes every registered check.
func (d *Doctor) Run(ctx *CheckContext) *Report {
	report := NewReport()
	for _, c := range d.checks {
		result := c.Run(ctx)
		if result.Name == "" {
			result.Name = c.Name()
		}
		report.Add(result)
	}
	return report
}

// Fix runs every check, attempting Fix on each one that reports a problem
// and can auto-fix, then re-runs the check to confirm.
func (d *Doctor) Fix(ctx *CheckContext) *Report {
	report := NewReport()
	for _, c := range d.checks {
		result := c.Run(ctx)
		if result.Name == "" {
			result.Name = c.Name()
		}

		if result.Status != StatusOK && c.CanFix() {
			if err := c.Fix(ctx); err == nil {
				result = c.Run(ctx)
				if result.Name == "" {
					result.Name = c.Name()
				}
				if result.Status == StatusOK {
					result.Fixed = true
				}
			} else {
				result.Details = append(result.Details, "fix failed: "+err.Error())
			}
		}

		report.Add(result)
	}
	return report
}
