package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/xela07ax/agentflow-engine/internal/domain"
)

// Ссылки в input узла: {{nodes.<id>.<path>}} и {{trigger.<path>}}
var refPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.\-]+)\s*\}\}`)

// RenderInput подставляет в input узла выводы зависимостей и контекст
// триггера. Строка, целиком состоящая из одной ссылки, сохраняет тип
// значения (объект остается объектом); ссылка внутри строки
// стрингифицируется. Неразрешимая ссылка — ошибка валидации: узел
// проваливается до обращения к исполнителю.
func RenderInput(input map[string]interface{}, outputs map[string]json.RawMessage, trigger map[string]interface{}) (json.RawMessage, error) {
	// Декодируем выводы узлов один раз
	nodes := make(map[string]interface{}, len(outputs))
	for id, raw := range outputs {
		var v interface{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, fmt.Errorf("%w: output of node %s is not valid JSON", domain.ErrValidation, id)
			}
		}
		nodes[id] = v
	}

	rendered, err := renderValue(input, nodes, trigger)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(rendered)
	if err != nil {
		return nil, fmt.Errorf("%w: rendered input is not serializable: %v", domain.ErrValidation, err)
	}
	return out, nil
}

func renderValue(v interface{}, nodes map[string]interface{}, trigger map[string]interface{}) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return renderString(val, nodes, trigger)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			r, err := renderValue(item, nodes, trigger)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			r, err := renderValue(item, nodes, trigger)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		// Числа, bool, nil — как есть
		return v, nil
	}
}

func renderString(s string, nodes map[string]interface{}, trigger map[string]interface{}) (interface{}, error) {
	matches := refPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Строка из одной ссылки целиком: подставляем значение без стрингификации
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		ref := s[matches[0][2]:matches[0][3]]
		return resolveRef(ref, nodes, trigger)
	}

	// Ссылки внутри строки: каждая превращается в текст
	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(s[last:m[0]])
		ref := s[m[2]:m[3]]
		resolved, err := resolveRef(ref, nodes, trigger)
		if err != nil {
			return nil, err
		}
		sb.WriteString(stringify(resolved))
		last = m[1]
	}
	sb.WriteString(s[last:])
	return sb.String(), nil
}

func resolveRef(ref string, nodes map[string]interface{}, trigger map[string]interface{}) (interface{}, error) {
	parts := strings.Split(ref, ".")

	var root interface{}
	var path []string
	switch {
	case len(parts) >= 2 && parts[0] == "nodes":
		out, ok := nodes[parts[1]]
		if !ok {
			return nil, fmt.Errorf("%w: reference %q points to a node without output", domain.ErrValidation, ref)
		}
		root, path = out, parts[2:]
	case len(parts) >= 1 && parts[0] == "trigger":
		root, path = trigger, parts[1:]
	default:
		return nil, fmt.Errorf("%w: unknown reference root in %q", domain.ErrValidation, ref)
	}
	if root == nil && len(path) > 0 {
		return nil, fmt.Errorf("%w: reference %q cannot be resolved", domain.ErrValidation, ref)
	}
	// trigger как interface{} для единообразного спуска
	if m, ok := root.(map[string]interface{}); ok {
		root = interface{}(m)
	}

	cur := root
	for _, seg := range path {
		switch node := cur.(type) {
		case map[string]interface{}:
			next, ok := node[seg]
			if !ok {
				return nil, fmt.Errorf("%w: reference %q cannot be resolved (missing %q)", domain.ErrValidation, ref, seg)
			}
			cur = next
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, fmt.Errorf("%w: reference %q has bad array index %q", domain.ErrValidation, ref, seg)
			}
			cur = node[idx]
		default:
			return nil, fmt.Errorf("%w: reference %q cannot be resolved (segment %q on scalar)", domain.ErrValidation, ref, seg)
		}
	}
	return cur, nil
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		b, _ := json.Marshal(val)
		return string(b)
	}
}
