package query

// OfferFields are the canonical offer attributes the marketplace filters on.
var OfferFields = []string{
	"bw_nvlink",
	"compute_cap",
	"cpu_arch",
	"cpu_cores",
	"cpu_cores_effective",
	"cpu_ram",
	"cuda_max_good",
	"datacenter",
	"direct_port_count",
	"disk_bw",
	"disk_space",
	"dlperf",
	"dlperf_per_dphtotal",
	"dph_total",
	"driver_version",
	"duration",
	"external",
	"flops_per_dphtotal",
	"geolocation",
	"gpu_arch",
	"gpu_display_active",
	"gpu_frac",
	"gpu_mem_bw",
	"gpu_name",
	"gpu_ram",
	"gpu_total_ram",
	"has_avx",
	"host_id",
	"id",
	"inet_down",
	"inet_down_cost",
	"inet_up",
	"inet_up_cost",
	"machine_id",
	"min_bid",
	"mobo_name",
	"num_gpus",
	"pci_gen",
	"pcie_bw",
	"reliability2",
	"rentable",
	"rented",
	"storage_cost",
	"static_ip",
	"total_flops",
	"ubuntu_version",
	"verification",
	"verified",
}

// OfferAliases maps accepted synonyms to canonical field names.
var OfferAliases = map[string]string{
	"cuda_vers":      "cuda_max_good",
	"display_active": "gpu_display_active",
	"reliability":    "reliability2",
	"dlperf_usd":     "dlperf_per_dphtotal",
	"dph":            "dph_total",
	"flops_usd":      "flops_per_dphtotal",
}

// OfferMultipliers scale user units into marketplace units: memory is
// given in GB and stored in MB, duration is given in days and stored in
// seconds.
var OfferMultipliers = map[string]float64{
	"cpu_ram":       1000,
	"gpu_ram":       1000,
	"gpu_total_ram": 1000,
	"duration":      24 * 60 * 60,
}

// opNames maps every accepted spelling to the marketplace operator.
var opNames = map[string]string{
	">=":     "gte",
	">":      "gt",
	"gt":     "gt",
	"gte":    "gte",
	"<=":     "lte",
	"<":      "lt",
	"lt":     "lt",
	"lte":    "lte",
	"!=":     "neq",
	"==":     "eq",
	"=":      "eq",
	"eq":     "eq",
	"neq":    "neq",
	"noteq":  "neq",
	"not eq": "neq",
	"notin":  "notin",
	"not in": "notin",
	"nin":    "notin",
	"in":     "in",
}

var wildcards = map[string]bool{"?": true, "*": true, "any": true}
