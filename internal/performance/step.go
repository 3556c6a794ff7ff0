package performance

import (
	"bytes"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/PoyrazK/cloudload/internal/performance/config"
	"github.com/PoyrazK/cloudload/pkg/jsonpath"
	"github.com/PoyrazK/cloudload/pkg/jsonschema"
)

// Step is one instruction of a scenario. The concrete types are
// *RequestStep, *BatchStep, *CheckStep, *BranchStep, *PauseStep and *SetStep.
type Step interface {
	Kind() string
}

// Scenario is the compiled step list every VU loops over.
type Scenario struct {
	Name  string
	Steps []Step

	// Variables are exposed to templates as {{name}}
	Variables map[string]string

	// Env is exposed to templates as {{env.NAME}}
	Env map[string]string

	// Headers are applied to every request before its own headers
	Headers map[string]string

	UserAgent string
}

// Request is a compiled HTTP request template.
type Request struct {
	Name         string
	Method       string
	URL          string
	Headers      map[string]string
	Body         string
	Timeout      time.Duration
	ExpectStatus []int
	Extract      []Extractor
}

// Extractor copies part of a successful response into a VU variable.
type Extractor struct {
	Name   string
	Source string
	Header string
	Path   jsonpath.Path
	Regex  *regexp.Regexp
}

// Condition is a predicate over a single outcome.
type Condition struct {
	Target   string
	Status   []int
	Failed   *bool
	JSONPath jsonpath.Path
	Equals   any
}

// Check is a Condition plus the check-only predicates.
type Check struct {
	Condition
	MaxDuration  time.Duration
	BodyContains string
	Schema       *jsonschema.Schema
}

// Assignment sets one VU variable.
type Assignment struct {
	Name     string
	Template string
	Path     jsonpath.Path
	Default  string
}

// RequestStep issues one request.
type RequestStep struct {
	Request Request
}

// BatchStep issues its requests concurrently and waits for all of them.
type BatchStep struct {
	Requests []Request
}

// CheckStep records a labeled pass or fail against the last outcome.
type CheckStep struct {
	Label string
	Check Check
}

// BranchStep runs Then when If holds for the last outcome, otherwise Else.
type BranchStep struct {
	If   Condition
	Then []Step
	Else []Step
}

// PauseStep sleeps the VU for Duration plus up to Jitter.
type PauseStep struct {
	Duration time.Duration
	Jitter   time.Duration
}

// SetStep assigns VU variables.
type SetStep struct {
	Vars []Assignment
}

func (*RequestStep) Kind() string { return "request" }
func (*BatchStep) Kind() string   { return "batch" }
func (*CheckStep) Kind() string   { return "check" }
func (*BranchStep) Kind() string  { return "branch" }
func (*PauseStep) Kind() string   { return "pause" }
func (*SetStep) Kind() string     { return "set" }

// NewScenario compiles the scenario of a resolved run configuration.
func NewScenario(rc *config.RunConfig) (*Scenario, error) {
	steps, err := BuildSteps(rc.Scenario, rc.HTTP.Timeout)
	if err != nil {
		return nil, err
	}
	return &Scenario{
		Name:      rc.Name,
		Steps:     steps,
		Variables: maps.Clone(rc.Variables),
		Env:       maps.Clone(rc.Env),
		Headers:   maps.Clone(rc.HTTP.Headers),
		UserAgent: rc.HTTP.UserAgent,
	}, nil
}

// RequestNames lists every request name the scenario can issue, sorted.
func (s *Scenario) RequestNames() []string {
	var names []string
	walkSteps(s.Steps, func(st Step) {
		switch st := st.(type) {
		case *RequestStep:
			names = append(names, st.Request.Name)
		case *BatchStep:
			for _, r := range st.Requests {
				names = append(names, r.Name)
			}
		}
	})
	slices.Sort(names)
	return slices.Compact(names)
}

// CheckLabels lists every check label in the scenario, sorted.
func (s *Scenario) CheckLabels() []string {
	var labels []string
	walkSteps(s.Steps, func(st Step) {
		if c, ok := st.(*CheckStep); ok {
			labels = append(labels, c.Label)
		}
	})
	slices.Sort(labels)
	return slices.Compact(labels)
}

func walkSteps(steps []Step, fn func(Step)) {
	for _, st := range steps {
		fn(st)
		if b, ok := st.(*BranchStep); ok {
			walkSteps(b.Then, fn)
			walkSteps(b.Else, fn)
		}
	}
}

// BuildSteps compiles step configurations. Requests without their own
// timeout get defaultTimeout. Paths, patterns and schemas are compiled here
// so errors surface before any VU starts.
func BuildSteps(cfgs []config.StepConfig, defaultTimeout time.Duration) ([]Step, error) {
	b := &stepBuilder{defaultTimeout: defaultTimeout}
	steps := b.steps(cfgs, "scenario")
	if b.errs.HasErrors() {
		return nil, &b.errs
	}
	return steps, nil
}

type stepBuilder struct {
	defaultTimeout time.Duration
	errs           config.ValidationErrors
}

func (b *stepBuilder) steps(cfgs []config.StepConfig, prefix string) []Step {
	out := make([]Step, 0, len(cfgs))
	for i := range cfgs {
		field := fmt.Sprintf("%s[%d]", prefix, i)
		if s := b.step(&cfgs[i], field); s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (b *stepBuilder) step(sc *config.StepConfig, field string) Step {
	switch sc.Kind() {
	case "request":
		return &RequestStep{Request: b.request(sc.Request, field+".request")}
	case "batch":
		reqs := make([]Request, len(sc.Batch))
		for i := range sc.Batch {
			reqs[i] = b.request(&sc.Batch[i], fmt.Sprintf("%s.batch[%d]", field, i))
		}
		return &BatchStep{Requests: reqs}
	case "check":
		return &CheckStep{Label: sc.Check.Label, Check: b.check(sc.Check, field+".check")}
	case "branch":
		return &BranchStep{
			If:   b.condition(sc.Branch.If, field+".branch.if"),
			Then: b.steps(sc.Branch.Then, field+".branch.then"),
			Else: b.steps(sc.Branch.Else, field+".branch.else"),
		}
	case "pause":
		d, err := config.ParseDurationString(sc.Pause.Duration)
		if err != nil {
			b.errs.Add(field+".pause.duration", err.Error())
		}
		j, err := config.ParseDurationString(sc.Pause.Jitter)
		if err != nil {
			b.errs.Add(field+".pause.jitter", err.Error())
		}
		return &PauseStep{Duration: d, Jitter: j}
	case "set":
		return &SetStep{Vars: b.assignments(sc.Set, field+".set")}
	default:
		b.errs.Add(field, "step must set exactly one of request, batch, check, branch, pause, set")
		return nil
	}
}

func (b *stepBuilder) request(rc *config.RequestConfig, field string) Request {
	r := Request{
		Name:         rc.Name,
		Method:       rc.Method,
		URL:          rc.URL,
		Headers:      maps.Clone(rc.Headers),
		Body:         rc.Body,
		Timeout:      b.defaultTimeout,
		ExpectStatus: slices.Clone(rc.ExpectStatus),
	}
	if r.Method == "" {
		r.Method = "GET"
	}
	if rc.Timeout != "" {
		d, err := config.ParseDurationString(rc.Timeout)
		if err != nil {
			b.errs.Add(field+".timeout", err.Error())
		}
		r.Timeout = d
	}

	for i, ec := range rc.Extract {
		ef := fmt.Sprintf("%s.extract[%d]", field, i)
		ex := Extractor{Name: ec.Name, Source: ec.Source}
		if ex.Source == "" {
			ex.Source = "body"
		}
		switch ex.Source {
		case "header":
			ex.Header = ec.Path
		case "body":
			if ec.Path != "" {
				p, err := jsonpath.Compile(ec.Path)
				if err != nil {
					b.errs.Add(ef+".path", err.Error())
				}
				ex.Path = p
			}
		}
		if ec.Regex != "" {
			re, err := regexp.Compile(ec.Regex)
			if err != nil {
				b.errs.Add(ef+".regex", err.Error())
			}
			ex.Regex = re
		}
		r.Extract = append(r.Extract, ex)
	}
	return r
}

func (b *stepBuilder) condition(cc config.ConditionConfig, field string) Condition {
	c := Condition{
		Target: cc.Target,
		Status: slices.Clone(cc.Status),
		Equals: cc.Equals,
	}
	if cc.Failed != nil {
		f := *cc.Failed
		c.Failed = &f
	}
	if cc.JSONPath != "" {
		p, err := jsonpath.Compile(cc.JSONPath)
		if err != nil {
			b.errs.Add(field+".jsonPath", err.Error())
		}
		c.JSONPath = p
	}
	return c
}

func (b *stepBuilder) check(cc *config.CheckConfig, field string) Check {
	c := Check{
		Condition:    b.condition(cc.ConditionConfig, field),
		BodyContains: cc.BodyContains,
	}
	if cc.MaxDuration != "" {
		d, err := config.ParseDurationString(cc.MaxDuration)
		if err != nil {
			b.errs.Add(field+".maxDuration", err.Error())
		}
		c.MaxDuration = d
	}
	if cc.JSONSchema != "" {
		s, err := jsonschema.Compile(cc.JSONSchema)
		if err != nil {
			b.errs.Add(field+".jsonSchema", err.Error())
		}
		c.Schema = s
	}
	return c
}

func (b *stepBuilder) assignments(vals map[string]config.Value, field string) []Assignment {
	names := slices.Sorted(maps.Keys(vals))
	out := make([]Assignment, 0, len(names))
	for _, name := range names {
		v := vals[name]
		a := Assignment{Name: name, Template: v.Value, Default: v.Default}
		if v.JSONPath != "" {
			p, err := jsonpath.Compile(v.JSONPath)
			if err != nil {
				b.errs.Add(field+"."+name+".jsonPath", err.Error())
			}
			a.Path = p
		}
		out = append(out, a)
	}
	return out
}

// Eval reports whether o satisfies every populated predicate. A nil outcome
// never matches. A transport failure only matches failed: true.
func (c *Condition) Eval(o *RequestOutcome) bool {
	if o == nil {
		return false
	}
	if c.Failed != nil && *c.Failed != o.Failed() {
		return false
	}
	if o.Response == nil {
		return len(c.Status) == 0 && c.JSONPath.IsZero()
	}
	if len(c.Status) > 0 && !slices.Contains(c.Status, o.Response.StatusCode) {
		return false
	}
	if !c.JSONPath.IsZero() {
		r := c.JSONPath.Get(o.Response.Body)
		if !r.Exists() {
			return false
		}
		if c.Equals != nil && !equalsJSON(r, c.Equals) {
			return false
		}
	}
	return true
}

// Eval applies the condition and the check-only predicates.
func (c *Check) Eval(o *RequestOutcome) bool {
	if !c.Condition.Eval(o) {
		return false
	}
	hasResponsePredicate := c.MaxDuration > 0 || c.BodyContains != "" || c.Schema != nil
	if o.Response == nil {
		return !hasResponsePredicate
	}
	if c.MaxDuration > 0 && o.Latency > c.MaxDuration {
		return false
	}
	if c.BodyContains != "" && !bytes.Contains(o.Response.Body, []byte(c.BodyContains)) {
		return false
	}
	if c.Schema != nil && !c.Schema.Valid(o.Response.Body) {
		return false
	}
	return true
}

func equalsJSON(r gjson.Result, want any) bool {
	switch w := want.(type) {
	case string:
		return r.String() == w
	case bool:
		return (r.Type == gjson.True || r.Type == gjson.False) && r.Bool() == w
	case int:
		return r.Type == gjson.Number && r.Float() == float64(w)
	case int64:
		return r.Type == gjson.Number && r.Float() == float64(w)
	case uint64:
		return r.Type == gjson.Number && r.Float() == float64(w)
	case float64:
		return r.Type == gjson.Number && r.Float() == w
	default:
		return r.String() == fmt.Sprint(w)
	}
}

// selectOutcomes resolves target against the last request step. An empty
// target selects every outcome when all is set, otherwise the first.
func selectOutcomes(last []*RequestOutcome, target string, all bool) []*RequestOutcome {
	if len(last) == 0 {
		return nil
	}
	if target == "" {
		if all {
			return last
		}
		return last[:1]
	}
	for _, o := range last {
		if o.Name == target {
			return []*RequestOutcome{o}
		}
	}
	if idx, err := strconv.Atoi(target); err == nil && idx >= 0 && idx < len(last) {
		return []*RequestOutcome{last[idx]}
	}
	return nil
}
