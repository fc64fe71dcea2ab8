package bridge

import "strings"

// MatchSubject сопоставляет subject события с паттерном триггера.
// Паттерн — сегменты через точку: "*" закрывает ровно один сегмент,
// ">" в хвосте закрывает один и более оставшихся сегментов.
//
//	hub.*.repo.*   ~ hub.proj42.repo.pushed
//	hub.>          ~ hub.proj42.repo.pushed
//	hub.*.repo     !~ hub.proj42.repo.pushed (длина не совпала)
func MatchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	if pattern == "" || subject == "" {
		return false
	}

	pSegs := strings.Split(pattern, ".")
	sSegs := strings.Split(subject, ".")

	for i, p := range pSegs {
		switch p {
		case ">":
			// Только в хвосте, и хотя бы один сегмент должен остаться
			return i == len(pSegs)-1 && i < len(sSegs)
		case "*":
			if i >= len(sSegs) {
				return false
			}
		default:
			if i >= len(sSegs) || p != sSegs[i] {
				return false
			}
		}
	}
	return len(pSegs) == len(sSegs)
}
