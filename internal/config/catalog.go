package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Catalog describes purchasable membership plans and the wallets that receive payments.
type Catalog struct {
	Currency   string                `mapstructure:"currency"`
	Plans      map[string]PlanPrice  `mapstructure:"plans"`
	Recipients map[string]string     `mapstructure:"recipients"`
	Chains     map[string]ChainLimit `mapstructure:"chains"`
}

// PlanPrice is the minimum payment for a plan, in minor units of Catalog.Currency.
type PlanPrice struct {
	Price   int64 `mapstructure:"price"`
	Enabled bool  `mapstructure:"enabled"`
}

// ChainLimit carries per-chain payment settings.
type ChainLimit struct {
	Confirmations int `mapstructure:"confirmations"`
}

func DefaultCatalog() Catalog {
	return Catalog{
		Currency: "USDT",
		Plans: map[string]PlanPrice{
			"monthly":   {Price: 4_990_000, Enabled: true},
			"quarterly": {Price: 12_990_000, Enabled: true},
			"yearly":    {Price: 39_990_000, Enabled: true},
		},
		Recipients: map[string]string{},
		Chains: map[string]ChainLimit{
			"ethereum": {Confirmations: 12},
			"bsc":      {Confirmations: 15},
			"polygon":  {Confirmations: 64},
			"tron":     {Confirmations: 19},
		},
	}
}

// PlanPrice returns the configured price for an enabled plan.
func (c Catalog) PlanPrice(plan string) (int64, bool) {
	p, ok := c.Plans[strings.ToLower(strings.TrimSpace(plan))]
	if !ok || !p.Enabled || p.Price <= 0 {
		return 0, false
	}
	return p.Price, true
}

// Recipient returns the receiving wallet for a chain.
func (c Catalog) Recipient(chain string) (string, bool) {
	addr := strings.TrimSpace(c.Recipients[strings.ToLower(strings.TrimSpace(chain))])
	return addr, addr != ""
}

// Confirmations returns the block depth a payment on chain must reach, or 0
// when the chain has no configured limit.
func (c Catalog) Confirmations(chain string) int {
	limit := c.Chains[strings.ToLower(strings.TrimSpace(chain))]
	if limit.Confirmations < 0 {
		return 0
	}
	return limit.Confirmations
}

type CatalogHolder struct {
	current atomic.Value // holds Catalog
}

// NewStaticCatalogHolder wraps a fixed catalog without file watching.
func NewStaticCatalogHolder(c Catalog) *CatalogHolder {
	holder := &CatalogHolder{}
	holder.current.Store(c)
	return holder
}

func NewCatalogHolder(cfg Config) (*CatalogHolder, error) {
	v := viper.New()

	if cfg.MembershipConfigPath != "" {
		v.SetConfigFile(cfg.MembershipConfigPath)
	} else {
		v.SetConfigName("membership")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/verdant")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("VERDANT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultCatalog()
	v.SetDefault("membership.currency", defaults.Currency)
	v.SetDefault("membership.plans", defaults.Plans)
	v.SetDefault("membership.chains", defaults.Chains)

	watch := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		watch = false
	}

	catalog, err := decodeCatalog(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticCatalogHolder(catalog)
	if !watch {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log := zap.L().Named("config.catalog")
		updated, err := decodeCatalog(v)
		if err != nil {
			log.Warn("membership catalog reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("membership catalog reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *CatalogHolder) Get() Catalog {
	return h.current.Load().(Catalog)
}

func decodeCatalog(v *viper.Viper) (Catalog, error) {
	var c Catalog
	if err := v.UnmarshalKey("membership", &c); err != nil {
		return Catalog{}, err
	}
	c.Recipients = lowerKeys(c.Recipients)
	if err := validateCatalog(c); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

func validateCatalog(c Catalog) error {
	if strings.TrimSpace(c.Currency) == "" {
		return errors.New("membership.currency cannot be empty")
	}
	if len(c.Plans) == 0 {
		return errors.New("membership.plans cannot be empty")
	}
	for name, plan := range c.Plans {
		if plan.Enabled && plan.Price <= 0 {
			return fmt.Errorf("membership.plans.%s.price must be positive", name)
		}
	}
	return nil
}

func lowerKeys(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return out
}
