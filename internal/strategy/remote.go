package strategy

import (
	"context"
	"fmt"
	"math"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/marcosuma/trading-bot-sub000/internal/market"
)

const (
	serviceName           = "strategy.StrategyService"
	generateSignalsMethod = "/" + serviceName + "/GenerateSignals"
)

// Remote delegates signal generation to a worker process over gRPC. Requests
// and responses are structpb documents:
//
//	request:  {strategy, params, bar_size, time: [unix seconds], columns: {name: [number|null]}}
//	response: {execute_buy: [number|null], execute_sell: [number|null]}
type Remote struct {
	conn     grpc.ClientConnInterface
	strategy string
	params   map[string]any
	timeout  time.Duration
}

// DialWorker opens a client connection to a strategy worker.
func DialWorker(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial strategy worker %s: %w", addr, err)
	}
	return conn, nil
}

// RemoteConstructor binds the "remote" strategy to conn. The worker-side
// strategy name comes from the "strategy" parameter.
func RemoteConstructor(conn grpc.ClientConnInterface, timeout time.Duration) Constructor {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return func(params map[string]any) (Strategy, error) {
		name, _ := params["strategy"].(string)
		if name == "" {
			return nil, fmt.Errorf("remote strategy requires a \"strategy\" parameter")
		}
		return &Remote{conn: conn, strategy: name, params: params, timeout: timeout}, nil
	}
}

func (r *Remote) Name() string { return "remote:" + r.strategy }

func (r *Remote) GenerateSignals(ctx context.Context, f *Frame) ([]Signal, error) {
	req, err := encodeFrame(r.strategy, r.params, f)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp := new(structpb.Struct)
	if err := r.conn.Invoke(ctx, generateSignalsMethod, req, resp); err != nil {
		return nil, fmt.Errorf("remote %s: %w", r.strategy, err)
	}
	return decodeSignals(f, resp)
}

// WorkerFunc answers one GenerateSignals request.
type WorkerFunc func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

// RegisterWorker serves fn as the StrategyService on s.
func RegisterWorker(s *grpc.Server, fn WorkerFunc) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "GenerateSignals",
			Handler: func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				in := new(structpb.Struct)
				if err := dec(in); err != nil {
					return nil, err
				}
				return fn(ctx, in)
			},
		}},
		Metadata: "strategy.proto",
	}, struct{}{})
}

// ServeStrategies answers requests with strategies built from reg.
func ServeStrategies(reg *Registry) WorkerFunc {
	return func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
		fields := req.GetFields()
		name := fields["strategy"].GetStringValue()
		var params map[string]any
		if p := fields["params"].GetStructValue(); p != nil {
			params = p.AsMap()
		}
		s, err := reg.New(name, params)
		if err != nil {
			return nil, err
		}
		f, err := decodeFrame(req)
		if err != nil {
			return nil, err
		}
		signals, err := s.GenerateSignals(ctx, f)
		if err != nil {
			return nil, err
		}
		return encodeSignals(signals)
	}
}

func encodeFrame(name string, params map[string]any, f *Frame) (*structpb.Struct, error) {
	times := make([]any, f.Len())
	for i, t := range f.Time {
		times[i] = float64(t.Unix())
	}
	cols := make(map[string]any, len(f.cols))
	for col, c := range f.cols {
		cols[col] = numbers(c)
	}
	if params == nil {
		params = map[string]any{}
	}
	req, err := structpb.NewStruct(map[string]any{
		"strategy": name,
		"params":   params,
		"bar_size": f.size.String(),
		"time":     times,
		"columns":  cols,
	})
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return req, nil
}

func decodeFrame(req *structpb.Struct) (*Frame, error) {
	fields := req.GetFields()
	size, err := market.ParseBarSize(fields["bar_size"].GetStringValue())
	if err != nil {
		return nil, err
	}
	times := fields["time"].GetListValue().GetValues()
	f := &Frame{size: size, Time: make([]time.Time, len(times)), cols: make(map[string][]float64)}
	for i, v := range times {
		f.Time[i] = time.Unix(int64(v.GetNumberValue()), 0).UTC()
	}
	for name, v := range fields["columns"].GetStructValue().GetFields() {
		vals, err := floats(v, len(times))
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", name, err)
		}
		f.cols[name] = vals
	}
	for _, c := range baseColumns {
		f.column(c)
	}
	return f, nil
}

func encodeSignals(signals []Signal) (*structpb.Struct, error) {
	buy := make([]any, len(signals))
	sell := make([]any, len(signals))
	for i, s := range signals {
		if s.ExecuteBuy != nil {
			buy[i] = *s.ExecuteBuy
		}
		if s.ExecuteSell != nil {
			sell[i] = *s.ExecuteSell
		}
	}
	return structpb.NewStruct(map[string]any{"execute_buy": buy, "execute_sell": sell})
}

func decodeSignals(f *Frame, resp *structpb.Struct) ([]Signal, error) {
	fields := resp.GetFields()
	buy, err := floats(fields["execute_buy"], f.Len())
	if err != nil {
		return nil, fmt.Errorf("execute_buy: %w", err)
	}
	sell, err := floats(fields["execute_sell"], f.Len())
	if err != nil {
		return nil, fmt.Errorf("execute_sell: %w", err)
	}
	out := emptySignals(f)
	for i := range out {
		if !math.IsNaN(buy[i]) {
			out[i].ExecuteBuy = price(buy[i])
		}
		if !math.IsNaN(sell[i]) {
			out[i].ExecuteSell = price(sell[i])
		}
	}
	return out, nil
}

func numbers(c []float64) []any {
	out := make([]any, len(c))
	for i, v := range c {
		if !math.IsNaN(v) {
			out[i] = v
		}
	}
	return out
}

// floats decodes a list of number|null into NaN-filled values of length n.
func floats(v *structpb.Value, n int) ([]float64, error) {
	list := v.GetListValue().GetValues()
	if len(list) != n {
		return nil, fmt.Errorf("got %d values for %d rows", len(list), n)
	}
	out := make([]float64, n)
	for i, item := range list {
		if _, ok := item.GetKind().(*structpb.Value_NumberValue); ok {
			out[i] = item.GetNumberValue()
			continue
		}
		out[i] = math.NaN()
	}
	return out, nil
}
