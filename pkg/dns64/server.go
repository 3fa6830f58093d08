package dns64

import (
	"github.com/miekg/dns"
	"go.uber.org/zap"

	"nat64/pkg/nat64"
)

type Server struct {
	options Options
	logger  *zap.Logger
	client  *dns.Client
}

// Options configures the DNS64 resolver (RFC 6147): a plain recursive
// resolver in front, synthesizing AAAA records for A-only names by
// embedding them in Pool6's prefix rather than a hardcoded one, so a
// dns64 process shares the same translation prefix as the NAT64
// gateway it's paired with.
type Options struct {
	UseTCP       bool
	BindAddr     string
	ResolverAddr string
	Pool6        *nat64.Pool6
}

func NewServer(options Options, logger *zap.Logger) *Server {
	return &Server{
		options: options,
		logger:  logger,
		client:  new(dns.Client),
	}
}

func (s *Server) Run() {
	dns.HandleFunc(".", s.Handler)

	if s.options.UseTCP {
		go func() {
			s.logger.Info("Starting TCP server", zap.String("bind_address", s.options.BindAddr))

			if err := dns.ListenAndServe(s.options.BindAddr, "tcp", nil); err != nil {
				s.logger.Fatal("Failed to setup the TCP server", zap.Error(err), zap.String("bind_address", s.options.BindAddr))
			}
		}()
	}

	go func() {
		s.logger.Info("Starting UDP server", zap.String("bind_address", s.options.BindAddr))

		if err := dns.ListenAndServe(s.options.BindAddr, "udp", nil); err != nil {
			s.logger.Fatal("Failed to setup the UDP server", zap.Error(err), zap.String("bind_address", s.options.BindAddr))
		}
	}()
}
