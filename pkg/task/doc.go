/*
Package task runs tasks on compute node agents.

Dispatch resolves the agent endpoint from the server's sysinfo, posts
the task, and settles it on a goroutine: the terminal TaskStatus is
persisted and every waiter registered under the task id is alerted.
WaitForTask blocks any number of callers on one task id; each gets the
final status exactly once, or ErrWaitTimeout at its own deadline.

Completion and waiting may arrive in either order. When a task
finishes with nobody waiting, its outcome is cached for a bounded
window so a late WaitForTask still sees it.
*/
package task
