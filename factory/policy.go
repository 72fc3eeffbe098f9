/*
Package factory converts the YAML policy document into engine objects.

PURPOSE:
  Leave policies, carryover rules, approval workflows, the approver
  directory, the employee roster and the holiday calendar live in one
  YAML document so HR can change them without a deploy. The factory
  validates the document and builds the Go structs the engine uses.

YAML SCHEMA:
  policies:
    - leave_type: annual
      name: Annual Leave
      annual_days: 20
      frequency: upfront            # upfront | monthly | none
      prorate: daily                # daily | monthly | annual
      period_type: calendar_year    # calendar_year | fiscal_year
      fiscal_year_start: 4          # month, fiscal_year only
      tiers:
        - {after_years: 3, annual_days: 22}
      carryover:
        max_carryover_days: 5
        expiry_months: 3
        allow_encashment: true
        encashment_rate: 150
        year_end: "12-31"
  workflows:
    - id: standard
      default: true
      leave_types: [annual]
      on_reject: reject             # reject | escalate
      stages:
        - {name: manager, rule: manager, required: 1}
        - {name: hr, rule: role, role: hr, required: 2}
  employees:
    - {id: alice, manager: mgr, roles: [], join_date: 2023-01-15}
  holidays:
    - {date: 2025-12-25, name: Christmas}

USAGE:
  f := factory.NewPolicyFactory()
  setup, err := f.Load("policies.yaml")
  machine := approval.NewMachine(tx, ledger, setup.Workflows, setup.Directory, log, cfg)

SEE ALSO:
  - timeoff/policies.go: LeavePolicy
  - approval/workflow.go: Workflow, Registry, StaticDirectory
*/
package factory

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/leave-engine/approval"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/timeoff"
)

// =============================================================================
// YAML SCHEMA TYPES
// =============================================================================

type Document struct {
	Policies  []PolicyYAML   `yaml:"policies"`
	Workflows []WorkflowYAML `yaml:"workflows"`
	Employees []EmployeeYAML `yaml:"employees"`
	Holidays  []HolidayYAML  `yaml:"holidays"`
}

type PolicyYAML struct {
	LeaveType       string         `yaml:"leave_type"`
	Name            string         `yaml:"name"`
	AnnualDays      float64        `yaml:"annual_days"`
	Frequency       string         `yaml:"frequency"`
	Prorate         string         `yaml:"prorate,omitempty"`
	PeriodType      string         `yaml:"period_type,omitempty"`
	FiscalYearStart int            `yaml:"fiscal_year_start,omitempty"`
	Tiers           []TierYAML     `yaml:"tiers,omitempty"`
	Carryover       *CarryoverYAML `yaml:"carryover,omitempty"`
}

type TierYAML struct {
	AfterYears int     `yaml:"after_years"`
	AnnualDays float64 `yaml:"annual_days"`
}

type CarryoverYAML struct {
	MaxCarryoverDays float64 `yaml:"max_carryover_days"`
	ExpiryMonths     int     `yaml:"expiry_months,omitempty"`
	AllowEncashment  bool    `yaml:"allow_encashment,omitempty"`
	EncashmentRate   float64 `yaml:"encashment_rate,omitempty"`
	YearEnd          string  `yaml:"year_end,omitempty"` // "MM-DD"
}

type WorkflowYAML struct {
	ID         string      `yaml:"id"`
	Default    bool        `yaml:"default,omitempty"`
	LeaveTypes []string    `yaml:"leave_types,omitempty"`
	OnReject   string      `yaml:"on_reject,omitempty"`
	Stages     []StageYAML `yaml:"stages"`
}

type StageYAML struct {
	Name      string   `yaml:"name,omitempty"`
	Rule      string   `yaml:"rule"`
	Approvers []string `yaml:"approvers,omitempty"`
	Role      string   `yaml:"role,omitempty"`
	Required  int      `yaml:"required"`
}

type EmployeeYAML struct {
	ID       string   `yaml:"id"`
	Manager  string   `yaml:"manager,omitempty"`
	Roles    []string `yaml:"roles,omitempty"`
	JoinDate string   `yaml:"join_date"`
}

type HolidayYAML struct {
	Date string `yaml:"date"`
	Name string `yaml:"name"`
}

// Setup is everything the document configures.
type Setup struct {
	Policies  *timeoff.PolicySet
	Workflows *approval.Registry
	Directory *approval.StaticDirectory
	Roster    []timeoff.Employee
	Calendar  timeoff.StaticCalendar
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

type PolicyFactory struct{}

func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{}
}

// Load reads and builds a policy document from disk.
func (f *PolicyFactory) Load(path string) (*Setup, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("factory: read %s: %w", path, err)
	}
	return f.Parse(b)
}

// Parse builds a Setup from YAML bytes.
func (f *PolicyFactory) Parse(data []byte) (*Setup, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("factory: parse yaml: %w", err)
	}
	return f.Build(doc)
}

// ParsePolicy parses a single policy document.
func (f *PolicyFactory) ParsePolicy(data []byte) (timeoff.LeavePolicy, error) {
	var py PolicyYAML
	if err := yaml.Unmarshal(data, &py); err != nil {
		return timeoff.LeavePolicy{}, fmt.Errorf("factory: parse policy: %w", err)
	}
	return f.FromYAML(py)
}

func (f *PolicyFactory) Build(doc Document) (*Setup, error) {
	setup := &Setup{
		Policies:  timeoff.NewPolicySet(),
		Workflows: approval.NewRegistry(),
		Directory: &approval.StaticDirectory{
			Managers: make(map[generic.UserID]generic.UserID),
			Roles:    make(map[string][]generic.UserID),
		},
		Calendar: make(timeoff.StaticCalendar),
	}

	for i, py := range doc.Policies {
		p, err := f.FromYAML(py)
		if err != nil {
			return nil, fmt.Errorf("factory: policies[%d]: %w", i, err)
		}
		if err := setup.Policies.Add(p); err != nil {
			return nil, fmt.Errorf("factory: policies[%d]: %w", i, err)
		}
	}

	for i, wy := range doc.Workflows {
		if err := f.addWorkflow(setup.Workflows, wy); err != nil {
			return nil, fmt.Errorf("factory: workflows[%d]: %w", i, err)
		}
	}

	for i, ey := range doc.Employees {
		if ey.ID == "" {
			return nil, fmt.Errorf("factory: employees[%d]: %w", i, generic.Invalid("id", "is required"))
		}
		join, err := generic.ParseDate(ey.JoinDate)
		if err != nil {
			return nil, fmt.Errorf("factory: employees[%d]: %w", i, err)
		}
		id := generic.UserID(ey.ID)
		setup.Roster = append(setup.Roster, timeoff.Employee{UserID: id, JoinDate: join})
		if ey.Manager != "" {
			setup.Directory.Managers[id] = generic.UserID(ey.Manager)
		}
		for _, role := range ey.Roles {
			setup.Directory.Roles[role] = append(setup.Directory.Roles[role], id)
		}
	}
	sort.Slice(setup.Roster, func(i, j int) bool { return setup.Roster[i].UserID < setup.Roster[j].UserID })

	for i, hy := range doc.Holidays {
		day, err := generic.ParseDate(hy.Date)
		if err != nil {
			return nil, fmt.Errorf("factory: holidays[%d]: %w", i, err)
		}
		setup.Calendar[day.String()] = hy.Name
	}
	return setup, nil
}

func (f *PolicyFactory) addWorkflow(reg *approval.Registry, wy WorkflowYAML) error {
	wf := approval.Workflow{ID: wy.ID, OnReject: approval.OnReject(wy.OnReject)}
	for _, sy := range wy.Stages {
		st := approval.Stage{
			Name:     sy.Name,
			Rule:     approval.ApproverRule(sy.Rule),
			Role:     sy.Role,
			Required: sy.Required,
		}
		if st.Required == 0 {
			st.Required = 1
		}
		for _, a := range sy.Approvers {
			st.Approvers = append(st.Approvers, generic.UserID(a))
		}
		wf.Stages = append(wf.Stages, st)
	}
	if err := reg.Register(wf); err != nil {
		return err
	}
	for _, lt := range wy.LeaveTypes {
		if err := reg.Assign(generic.LeaveType(lt), wf.ID); err != nil {
			return err
		}
	}
	if wy.Default {
		return reg.SetDefault(wf.ID)
	}
	return nil
}

// FromYAML converts one policy. Unset frequency defaults to upfront and
// unset prorate to daily.
func (f *PolicyFactory) FromYAML(py PolicyYAML) (timeoff.LeavePolicy, error) {
	p := timeoff.LeavePolicy{
		LeaveType:  generic.LeaveType(py.LeaveType),
		Name:       py.Name,
		AnnualDays: decimal.NewFromFloat(py.AnnualDays),
		Frequency:  timeoff.Frequency(py.Frequency),
		Prorate:    generic.ProrateMethod(py.Prorate),
		Period:     parsePeriodConfig(py.PeriodType, py.FiscalYearStart),
	}
	if p.Frequency == "" {
		p.Frequency = timeoff.FreqUpfront
	}
	if p.Prorate == "" {
		p.Prorate = generic.ProrateDaily
	}
	for _, t := range py.Tiers {
		p.Tiers = append(p.Tiers, timeoff.TenureTier{AfterYears: t.AfterYears, AnnualDays: decimal.NewFromFloat(t.AnnualDays)})
	}

	if py.Carryover != nil {
		c, err := parseCarryover(*py.Carryover)
		if err != nil {
			return timeoff.LeavePolicy{}, err
		}
		p.Carryover = c
	}
	p.Carryover.LeaveType = p.LeaveType

	if err := p.Validate(); err != nil {
		return timeoff.LeavePolicy{}, err
	}
	return p, nil
}

// ToYAML is the inverse of FromYAML.
func (f *PolicyFactory) ToYAML(p timeoff.LeavePolicy) PolicyYAML {
	annual, _ := p.AnnualDays.Float64()
	py := PolicyYAML{
		LeaveType:  string(p.LeaveType),
		Name:       p.Name,
		AnnualDays: annual,
		Frequency:  string(p.Frequency),
		Prorate:    string(p.Prorate),
		PeriodType: string(p.Period.Type),
	}
	if p.Period.Type == generic.PeriodFiscalYear {
		py.FiscalYearStart = int(p.Period.FiscalYearStartMonth)
	}
	for _, t := range p.Tiers {
		days, _ := t.AnnualDays.Float64()
		py.Tiers = append(py.Tiers, TierYAML{AfterYears: t.AfterYears, AnnualDays: days})
	}

	c := p.Carryover
	if !c.MaxCarryoverDays.IsZero() || c.ExpiryMonths > 0 || c.AllowEncashment {
		maxDays, _ := c.MaxCarryoverDays.Float64()
		rate, _ := c.EncashmentRate.Float64()
		cy := &CarryoverYAML{
			MaxCarryoverDays: maxDays,
			ExpiryMonths:     c.ExpiryMonths,
			AllowEncashment:  c.AllowEncashment,
			EncashmentRate:   rate,
		}
		if c.YearEndMonth != 0 {
			cy.YearEnd = fmt.Sprintf("%02d-%02d", c.YearEndMonth, c.YearEndDay)
		}
		py.Carryover = cy
	}
	return py
}

// =============================================================================
// PARSE HELPERS
// =============================================================================

func parsePeriodConfig(periodType string, fiscalMonth int) generic.PeriodConfig {
	if strings.EqualFold(periodType, string(generic.PeriodFiscalYear)) && fiscalMonth >= 1 && fiscalMonth <= 12 {
		return generic.PeriodConfig{Type: generic.PeriodFiscalYear, FiscalYearStartMonth: time.Month(fiscalMonth)}
	}
	return generic.PeriodConfig{Type: generic.PeriodCalendarYear}
}

func parseCarryover(cy CarryoverYAML) (generic.CarryoverPolicy, error) {
	c := generic.CarryoverPolicy{
		MaxCarryoverDays: decimal.NewFromFloat(cy.MaxCarryoverDays),
		ExpiryMonths:     cy.ExpiryMonths,
		AllowEncashment:  cy.AllowEncashment,
		EncashmentRate:   decimal.NewFromFloat(cy.EncashmentRate),
	}
	if cy.YearEnd == "" {
		return c, nil
	}
	t, err := time.Parse("01-02", cy.YearEnd)
	if err != nil {
		return c, generic.Invalid("carryover.year_end", "want MM-DD, got %q", cy.YearEnd)
	}
	c.YearEndMonth, c.YearEndDay = t.Month(), t.Day()
	return c, nil
}
