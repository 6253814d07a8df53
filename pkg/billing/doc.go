/*
Package billing charges running VMs every five minutes.

A VM whose attestation state says billingPaused accrues unverified runtime
instead of charges. Otherwise the interval's cost is computed from the VM's
hourly rate, checked against the owner's available balance (an insufficient
balance stops the VM through a vm.stop obligation), recorded as an
append-only usage record, and split between the hosting node's pending
payout and the platform fee.
*/
package billing
