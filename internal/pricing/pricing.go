// Package pricing implements a read-through, 24h-TTL cache over the AWS
// Price List API, backed by hashicorp/golang-lru's expirable LRU.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/aws/aws-sdk-go-v2/service/pricing/types"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kamilc/campers/internal/log"
)

const ttl = 24 * time.Hour

// Cache is a concurrent-safe, TTL-expiring key→hourly-rate cache.
// The key is "<region>/<instance_type>".
type Cache struct {
	store  *lru.LRU[string, float64]
	client *pricing.Client
}

// New constructs a Cache. The pricing API is always queried from us-east-1
// (the only region the Price List API is published in), regardless of
// which region instances are launched in.
func New(ctx context.Context) (*Cache, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion("us-east-1"))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config for pricing: %w", err)
	}
	return &Cache{
		store:  lru.NewLRU[string, float64](512, nil, ttl),
		client: pricing.NewFromConfig(cfg),
	}, nil
}

func cacheKey(region, instanceType string) string {
	return region + "/" + instanceType
}

// HourlyRate returns the on-demand Linux hourly rate for instanceType in
// region, consulting the cache first; a miss or an expired entry is fetched
// from the Price List API and cached. A failed lookup is reported via
// ok=false — never an error that aborts the caller, the "Pricing
// unavailable" boundary behavior.
func (c *Cache) HourlyRate(ctx context.Context, region, instanceType string) (rate float64, ok bool) {
	key := cacheKey(region, instanceType)
	if v, found := c.store.Get(key); found {
		return v, true
	}

	rate, err := c.fetchHourlyRate(ctx, region, instanceType)
	if err != nil {
		log.WithComponent("pricing").Warn().Err(err).Str("region", region).Str("instance_type", instanceType).Msg("pricing lookup failed")
		return 0, false
	}
	c.store.Add(key, rate)
	return rate, true
}

func regionToLocation(region string) string {
	// The Price List API indexes by human-readable location name rather
	// than region code; a full table is out of core scope, so only the
	// handful this module is expected to run against are mapped.
	locations := map[string]string{
		"us-east-1": "US East (N. Virginia)",
		"us-east-2": "US East (Ohio)",
		"us-west-1": "US West (N. California)",
		"us-west-2": "US West (Oregon)",
		"eu-west-1": "EU (Ireland)",
		"eu-central-1": "EU (Frankfurt)",
	}
	if loc, ok := locations[region]; ok {
		return loc
	}
	return region
}

func (c *Cache) fetchHourlyRate(ctx context.Context, region, instanceType string) (float64, error) {
	out, err := c.client.GetProducts(ctx, &pricing.GetProductsInput{
		ServiceCode: awssdk.String("AmazonEC2"),
		Filters: []types.Filter{
			{Type: types.FilterTypeTermMatch, Field: awssdk.String("instanceType"), Value: awssdk.String(instanceType)},
			{Type: types.FilterTypeTermMatch, Field: awssdk.String("location"), Value: awssdk.String(regionToLocation(region))},
			{Type: types.FilterTypeTermMatch, Field: awssdk.String("operatingSystem"), Value: awssdk.String("Linux")},
			{Type: types.FilterTypeTermMatch, Field: awssdk.String("tenancy"), Value: awssdk.String("Shared")},
			{Type: types.FilterTypeTermMatch, Field: awssdk.String("preInstalledSw"), Value: awssdk.String("NA")},
			{Type: types.FilterTypeTermMatch, Field: awssdk.String("capacitystatus"), Value: awssdk.String("Used")},
		},
		MaxResults: awssdk.Int32(1),
	})
	if err != nil {
		return 0, err
	}
	if len(out.PriceList) == 0 {
		return 0, fmt.Errorf("no price list entry for %s in %s", instanceType, region)
	}
	return parseOnDemandHourlyRate(out.PriceList[0])
}

// priceListProduct is the small slice of the AWS Price List JSON document
// this cache needs: the on-demand hourly USD rate nested three levels deep
// under terms.OnDemand.*.priceDimensions.*.pricePerUnit.USD.
type priceListProduct struct {
	Terms struct {
		OnDemand map[string]struct {
			PriceDimensions map[string]struct {
				PricePerUnit struct {
					USD string `json:"USD"`
				} `json:"pricePerUnit"`
			} `json:"priceDimensions"`
		} `json:"OnDemand"`
	} `json:"terms"`
}

func parseOnDemandHourlyRate(raw string) (float64, error) {
	var product priceListProduct
	if err := json.Unmarshal([]byte(raw), &product); err != nil {
		return 0, fmt.Errorf("parsing price list entry: %w", err)
	}
	for _, term := range product.Terms.OnDemand {
		for _, dim := range term.PriceDimensions {
			rate, err := strconv.ParseFloat(dim.PricePerUnit.USD, 64)
			if err != nil {
				return 0, fmt.Errorf("parsing USD rate: %w", err)
			}
			return rate, nil
		}
	}
	return 0, fmt.Errorf("price list entry had no on-demand pricing dimension")
}

// CalculateMonthlyCost converts an hourly rate to an estimated monthly cost:
// hourly × 24 × 30.
func CalculateMonthlyCost(hourlyRate float64) float64 {
	return hourlyRate * 24 * 30
}

// FormatMonthlyCost renders a monthly cost as "$X.XX/month", or the literal
// "Pricing unavailable" when ok is false.
func FormatMonthlyCost(hourlyRate float64, ok bool) string {
	if !ok {
		return "Pricing unavailable"
	}
	return fmt.Sprintf("$%.2f/month", CalculateMonthlyCost(hourlyRate))
}
