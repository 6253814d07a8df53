/*
Package handlers implements the obligation handlers behind every well-known
obligation type.

Each handler encodes only what its transition does; retries, ordering and
cascade-cancel belong to the reconciliation engine. Handlers return Retry for
transient trouble and PermanentFailure for policy failures, never errors.
Commands issued to node agents park the obligation on the command-ack signal;
the acknowledgement's outcome is merged into the obligation's data and
consumed on the next execution.

The canonical VM creation chain is vm.schedule → vm.provision → vm.start,
with vm.start fanning out vm.register-ingress, vm.allocate-ports and (for
template VMs) vm.settle-template-fee as independently retried children.
*/
package handlers
