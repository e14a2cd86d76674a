package policy

import (
	"errors"
	"regexp"
	"strings"
)

// Pattern - скомпилированный шаблон команды.
// Единственный спецсимвол - '*' (любая последовательность, в том числе пустая, пробелы и '/').
// Остальные символы, включая ? [ ] { } и \, сравниваются буквально.
// Сопоставление регистрозависимое и якорится на всю строку: "ls*" совпадёт с "ls -la",
// но "ls" - только с "ls".
type Pattern struct {
	source string
	re     *regexp.Regexp
}

var errEmptyPattern = errors.New("pattern is empty")

// CompilePattern разбирает шаблон. Ошибка возможна только здесь (при сохранении политики),
// при оценке Match никогда не ошибается.
func CompilePattern(source string) (Pattern, error) {
	if source == "" {
		return Pattern{}, errEmptyPattern
	}
	segments := strings.Split(source, "*")
	for i, s := range segments {
		segments[i] = regexp.QuoteMeta(s)
	}
	// (?s): '*' захватывает и перевод строки
	re, err := regexp.Compile(`^(?s:` + strings.Join(segments, ".*") + `)$`)
	if err != nil {
		return Pattern{}, err
	}
	return Pattern{source: source, re: re}, nil
}

func (p Pattern) Match(command string) bool {
	if p.re == nil {
		return false
	}
	return p.re.MatchString(command)
}

func (p Pattern) String() string { return p.source }

// Matches - разовая проверка без кэширования шаблона. Пустой шаблон ни с чем не совпадает.
func Matches(pattern, command string) bool {
	p, err := CompilePattern(pattern)
	if err != nil {
		return false
	}
	return p.Match(command)
}

// MatchesAny объединяет шаблоны по ИЛИ и возвращает первый совпавший (для reason).
func MatchesAny(patterns []Pattern, command string) (Pattern, bool) {
	for _, p := range patterns {
		if p.Match(command) {
			return p, true
		}
	}
	return Pattern{}, false
}

func compilePatterns(sources []string) ([]Pattern, error) {
	out := make([]Pattern, 0, len(sources))
	for _, s := range sources {
		p, err := CompilePattern(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
