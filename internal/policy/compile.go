package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/xela07ax/bastion-pdp/internal/domain"
)

// CompiledPolicy - политика, готовая к оценке: множества вместо слайсов,
// скомпилированные шаблоны, загруженная временная зона. Неизменяема после сборки.
type CompiledPolicy struct {
	domain.Policy

	roles        map[string]struct{}
	environments map[string]struct{}
	tags         map[string]struct{}
	servers      map[string]struct{}
	days         map[time.Weekday]struct{}

	patterns   []Pattern
	start, end *domain.TimeOfDay
	location   *time.Location
}

// Validate проверяет инварианты политики и возвращает все пополевые ошибки разом.
func Validate(p domain.Policy) error {
	verr := &domain.ValidationError{}

	if strings.TrimSpace(p.Name) == "" {
		verr.Add("name", "is required")
	}
	if !p.CommandMode.Valid() {
		verr.Add("commandMode", "must be BLACKLIST or WHITELIST")
	}
	for i, src := range p.CommandPatterns {
		if _, err := CompilePattern(src); err != nil {
			verr.Add(fmt.Sprintf("commandPatterns[%d]", i), err.Error())
		}
	}
	for i, d := range p.AllowedDays {
		if d < 0 || d > 6 {
			verr.Add(fmt.Sprintf("allowedDays[%d]", i), "must be between 0 (Sunday) and 6 (Saturday)")
		}
	}

	switch {
	case p.AllowedStartTime != nil && p.AllowedEndTime == nil:
		verr.Add("allowedEndTime", "is required when allowedStartTime is set")
	case p.AllowedStartTime == nil && p.AllowedEndTime != nil:
		verr.Add("allowedStartTime", "is required when allowedEndTime is set")
	case p.AllowedStartTime != nil && p.AllowedEndTime != nil && *p.AllowedStartTime > *p.AllowedEndTime:
		verr.Add("allowedStartTime", "must not be later than allowedEndTime")
	}

	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			verr.Add("timezone", "unknown time zone "+p.Timezone)
		}
	}

	return verr.OrNil()
}

// Compile валидирует и подготавливает политику к оценке.
// defaultLoc используется, если у политики не задана собственная зона.
func Compile(p domain.Policy, defaultLoc *time.Location) (*CompiledPolicy, error) {
	p = p.Clone()
	if err := Validate(p); err != nil {
		return nil, err
	}

	patterns, err := compilePatterns(p.CommandPatterns)
	if err != nil {
		// Недостижимо после Validate, но не доверяем молча
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPolicyConfig, err)
	}

	loc := defaultLoc
	if loc == nil {
		loc = time.UTC
	}
	if p.Timezone != "" {
		loc, _ = time.LoadLocation(p.Timezone)
	}

	cp := &CompiledPolicy{
		Policy:       p,
		roles:        toSet(p.TargetSelector.Roles),
		environments: toSet(p.TargetSelector.Environments),
		tags:         toSet(p.TargetSelector.Tags),
		servers:      toSet(p.TargetSelector.ServerIDs),
		patterns:     patterns,
		start:        p.AllowedStartTime,
		end:          p.AllowedEndTime,
		location:     loc,
	}
	if len(p.AllowedDays) > 0 {
		cp.days = make(map[time.Weekday]struct{}, len(p.AllowedDays))
		for _, d := range p.AllowedDays {
			cp.days[time.Weekday(d)] = struct{}{}
		}
	}
	return cp, nil
}

func toSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}
