package featureflag

type Flag string

const (
	// Empty tree nodes are kept until the next reindexing instead of being
	// collapsed on removal.
	FlagLazyCollapse Flag = "LAZY_COLLAPSE"

	FlagDisableAreaCache       Flag = "DISABLE_AREA_CACHE"
	FlagDisableAreaWatch       Flag = "DISABLE_AREA_WATCH"
	FlagDisableEntityBroadcast Flag = "DISABLE_ENTITY_BROADCAST"
)
