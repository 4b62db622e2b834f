package internal

// NbNodesToFill returns how many nodes a pool lacks to reach its fill level,
// counting both ready nodes and nodes still being provisioned.
func NbNodesToFill(fillLevel, readyNodes, provisioningNodes int) int {
	return max(fillLevel-readyNodes-provisioningNodes, 0)
}
