package models

// HostStats holds resource usage of the machine running the hub.
type HostStats struct {
	CPUPercent  float64 `json:"cpuPercent"`
	MemPercent  float64 `json:"memPercent"`
	MemTotal    uint64  `json:"memTotal"`
	MemUsed     uint64  `json:"memUsed"`
	DiskPercent float64 `json:"diskPercent"`
}

// DashboardStats is the aggregate view served to admins.
type DashboardStats struct {
	TotalUsers         int                 `json:"totalUsers"`
	PendingUsers       int                 `json:"pendingUsers"`
	TotalNotebooks     int                 `json:"totalNotebooks"`
	RunningNotebooks   int                 `json:"runningNotebooks"`
	NotebookStatusDist map[string]int      `json:"notebookStatusDist"`
	Host               HostStats           `json:"host"`
	ResourceHistory    []ResourceDataPoint `json:"resourceHistory"`
}
