package wire

import (
	"context"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// PrinterService is the fully-qualified name of the print service. Only
// printerd serves it; peers call it while holding the mutex.
const PrinterService = "printmesh.Printer"

const methodPrint = "/" + PrinterService + "/Print"

// PrinterServer is the print service contract: accept one job, do the
// work, acknowledge. The protocol guarantees callers never overlap, so
// implementations need no serialization of their own.
type PrinterServer interface {
	Print(ctx context.Context, job *PrintJob) (*PrintReceipt, error)
}

// RegisterPrinterServer registers srv with a gRPC server.
func RegisterPrinterServer(s grpc.ServiceRegistrar, srv PrinterServer) {
	s.RegisterService(&printerServiceDesc, srv)
}

var printerServiceDesc = grpc.ServiceDesc{
	ServiceName: PrinterService,
	HandlerType: (*PrinterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Print", Handler: printHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "wire/printer.go",
}

func printHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, payload any) (any, error) {
		var job PrintJob
		if err := Decode(payload.(*structpb.Struct), &job); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "bad print job: %v", err)
		}
		rcpt, err := srv.(PrinterServer).Print(ctx, &job)
		if err != nil {
			return nil, err
		}
		return Encode(rcpt)
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodPrint}
	return interceptor(ctx, in, info, handler)
}

// PrinterClient submits jobs to the print service.
type PrinterClient struct {
	cc grpc.ClientConnInterface
}

func NewPrinterClient(cc grpc.ClientConnInterface) *PrinterClient {
	return &PrinterClient{cc: cc}
}

// Print submits one job and waits for the receipt. A fresh job ID is
// stamped unless the caller provided one.
func (c *PrinterClient) Print(ctx context.Context, job *PrintJob, opts ...grpc.CallOption) (*PrintReceipt, error) {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	in, err := Encode(job)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodPrint, in, out, opts...); err != nil {
		return nil, err
	}
	rcpt := new(PrintReceipt)
	if err := Decode(out, rcpt); err != nil {
		return nil, err
	}
	return rcpt, nil
}
