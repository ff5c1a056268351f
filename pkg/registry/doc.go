/*
Package registry tracks runs and serializes access to each of them.

The registry is an explicit instance owned by the engine. Snapshots are kept
in a ports.RunStore (memory by default) so that a suspended run can be
resumed from a later request, another goroutine, or, with a shared store and
a distributed locker, another replica. Eviction only happens through
Delete and CleanupOldData.
*/
package registry
