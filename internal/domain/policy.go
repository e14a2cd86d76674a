package domain

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// CommandMode определяет, как трактовать совпадение команды с шаблонами политики
type CommandMode string

const (
	// ModeBlacklist - совпадение запрещает команду, всё остальное разрешено
	ModeBlacklist CommandMode = "BLACKLIST"
	// ModeWhitelist - разрешено только то, что совпало хотя бы с одним шаблоном
	ModeWhitelist CommandMode = "WHITELIST"
)

func (m CommandMode) Valid() bool {
	return m == ModeBlacklist || m == ModeWhitelist
}

// TargetSelector описывает, к кому и к чему применяется политика.
// Пустое измерение означает «все».
type TargetSelector struct {
	Roles        []string `json:"roles"`
	Environments []string `json:"environments"`
	Tags         []string `json:"tags"`
	ServerIDs    []string `json:"serverIds"`
}

// Policy - именованный набор ограничений доступа по роли, цели, времени и командам.
type Policy struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Priority    int    `json:"priority"` // Чем выше, тем раньше проверяется
	IsActive    bool   `json:"isActive"`

	TargetSelector TargetSelector `json:"targetSelector"`

	CommandMode     CommandMode `json:"commandMode"`
	CommandPatterns []string    `json:"commandPatterns"`

	// Окно доступа. 0 = воскресенье, 6 = суббота; пустой список = каждый день
	AllowedDays      []int      `json:"allowedDays"`
	AllowedStartTime *TimeOfDay `json:"allowedStartTime,omitempty"`
	AllowedEndTime   *TimeOfDay `json:"allowedEndTime,omitempty"`
	// IANA-зона для вычисления «локального» времени. Пусто - зона движка по умолчанию
	Timezone string `json:"timezone,omitempty"`

	RequireApproval bool `json:"requireApproval"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TimeOfDay - время суток с точностью до секунды (секунды от полуночи).
type TimeOfDay int

const secondsPerDay = 24 * 60 * 60

// ParseTimeOfDay принимает "HH:MM" или "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, fmt.Errorf("time of day %q: expected HH:MM or HH:MM:SS", s)
	}

	limits := []int{23, 59, 59}
	total := 0
	for i, part := range parts {
		if len(part) != 2 || part[0] < '0' || part[0] > '9' || part[1] < '0' || part[1] > '9' {
			return 0, fmt.Errorf("time of day %q: expected two digits per component", s)
		}
		v := int(part[0]-'0')*10 + int(part[1]-'0')
		if v > limits[i] {
			return 0, fmt.Errorf("time of day %q: component %q out of range", s, part)
		}
		switch i {
		case 0:
			total += v * 3600
		case 1:
			total += v * 60
		case 2:
			total += v
		}
	}
	return TimeOfDay(total), nil
}

// TimeOfDayOf возвращает время суток момента t в его собственной зоне.
func TimeOfDayOf(t time.Time) TimeOfDay {
	h, m, s := t.Clock()
	return TimeOfDay(h*3600 + m*60 + s)
}

func (t TimeOfDay) String() string {
	v := int(t) % secondsPerDay
	if v%60 == 0 {
		return fmt.Sprintf("%02d:%02d", v/3600, (v/60)%60)
	}
	return fmt.Sprintf("%02d:%02d:%02d", v/3600, (v/60)%60, v%60)
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("time of day must be a string: %w", err)
	}
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Clock - короткий конструктор для тестов и дефолтов.
func Clock(hour, minute, second int) *TimeOfDay {
	t := TimeOfDay(hour*3600 + minute*60 + second)
	return &t
}

// Clone - глубокая копия: снапшоты не должны делить слайсы с вызывающим кодом.
func (p Policy) Clone() Policy {
	c := p
	c.TargetSelector = TargetSelector{
		Roles:        slices.Clone(p.TargetSelector.Roles),
		Environments: slices.Clone(p.TargetSelector.Environments),
		Tags:         slices.Clone(p.TargetSelector.Tags),
		ServerIDs:    slices.Clone(p.TargetSelector.ServerIDs),
	}
	c.CommandPatterns = slices.Clone(p.CommandPatterns)
	c.AllowedDays = slices.Clone(p.AllowedDays)
	if p.AllowedStartTime != nil {
		v := *p.AllowedStartTime
		c.AllowedStartTime = &v
	}
	if p.AllowedEndTime != nil {
		v := *p.AllowedEndTime
		c.AllowedEndTime = &v
	}
	return c
}
