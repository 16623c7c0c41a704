/*
Package rollback provides the persistent undo log of a registration attempt.

A Stack holds one Entry per reversible side effect of the attempt: a
directory created, a file or tree moved, a new file written, a copy made.
The entry is written to <dir>/<id>.rollback before the caller performs the
effect, so a crash at any point leaves a stack that describes at least
everything that happened.

# Order

RollbackAll undoes entries newest first. A failing undo is logged and
collected; the older entries are still undone, and the combined error is
returned at the end. Undoing an effect that never happened (the crash came
between Push and the effect) is a no-op for FileUndoer.

# Locking

SetLocked(true) freezes the stack: Push returns ErrLocked. The recovery
driver locks a stack while it decides what to do with the attempt, and the
runner locks it when it hands the attempt over to recovery. RollbackAll is
still allowed on a locked stack.

# Dead transactions

At startup RollbackDeadTransactions undoes and discards every unlocked
stack that no recovery marker or running attempt refers to. Those are left
over from a process that died before writing its first checkpoint.
*/
package rollback
