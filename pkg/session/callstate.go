// Package session реализует прикладной уровень вызова: состояние сессии,
// шину событий и координатор, транслирующий сигнальные переходы в команды
// медиа-слою. Координатор - единственный компонент, меняющий CallState.
package session

// CallState — прикладное состояние вызова. Отличается от состояния диалога
// (сигнальный уровень) и состояния транзакции (уровень обмена сообщениями).
type CallState string

const (
	// StateInitiating - исходящий вызов отправлен, ответа ещё нет
	StateInitiating CallState = "Initiating"
	// StateRinging - вызов в фазе оповещения
	StateRinging CallState = "Ringing"
	// StateActive - вызов установлен, медиа должна работать
	StateActive CallState = "Active"
	// StateOnHold - вызов на удержании
	StateOnHold CallState = "OnHold"
	// StateFailed - вызов завершился ошибкой, причина в сессии
	StateFailed CallState = "Failed"
	// StateTerminated - вызов завершён штатно
	StateTerminated CallState = "Terminated"
)

func (s CallState) String() string {
	return string(s)
}

// IsTerminal сообщает, является ли состояние терминальным.
func (s CallState) IsTerminal() bool {
	return s == StateFailed || s == StateTerminated
}

// CanTransitionTo проверяет допустимость перехода прикладного состояния.
// Терминальные состояния исходящих переходов не имеют.
func (s CallState) CanTransitionTo(target CallState) bool {
	if s.IsTerminal() || s == target {
		return false
	}
	switch s {
	case StateInitiating:
		return target == StateRinging || target == StateActive ||
			target == StateFailed || target == StateTerminated
	case StateRinging:
		return target == StateActive || target == StateFailed || target == StateTerminated
	case StateActive:
		return target == StateOnHold || target == StateFailed || target == StateTerminated
	case StateOnHold:
		return target == StateActive || target == StateFailed || target == StateTerminated
	default:
		return false
	}
}
