package memtable

import (
	"context"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/lychee-technology/fedaccel"
)

// Factory builds Table accelerators, registered under fedaccel.EngineArrow.
// The only acceleration param it recognizes is "partitions" (an integer
// string). Its absence, or a non-positive value, uses DefaultPartitions;
// a non-integer value is a configuration error.
type Factory struct{}

// NewFactory returns the EngineArrow accelerator factory.
func NewFactory() Factory { return Factory{} }

func (Factory) Engine() fedaccel.Engine { return fedaccel.EngineArrow }

func (Factory) Build(_ context.Context, _ string, schema *arrow.Schema, primaryKey []string, params map[string]string) (fedaccel.Accelerator, error) {
	numPartitions := DefaultPartitions
	if v, ok := params["partitions"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fedaccel.NewConfigurationError(fedaccel.ComponentAccelerator, fedaccel.CodeInvalidConfiguration,
				"acceleration param \"partitions\" must be an integer: "+err.Error())
		}
		numPartitions = n
	}
	return New(schema, primaryKey, numPartitions), nil
}
