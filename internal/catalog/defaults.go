package catalog

import (
	"fmt"
	"strings"

	"erppilot/internal/types"
)

// Default returns the built-in action catalog. The set is closed: the
// parser prompt, the guard, and the executor all derive from these entries,
// and the executor's startup self-check fails if any entry lacks a handler.
func Default() *Catalog {
	defs := []*ActionDefinition{
		{
			Name:        types.ActionCreateSalesOrder,
			DisplayName: "Create Sales Order",
			Description: "Create a sales order for a customer with an item and quantity",
			RequiredRoles: []types.RoleName{
				types.RoleSalesUser, types.RoleSalesManager,
			},
			Params: map[string]ParamSpec{
				"customer": {Type: TypeString, Required: true, Validate: nonEmpty, Ref: "customer"},
				"item":     {Type: TypeString, Required: true, Validate: nonEmpty, Ref: "item"},
				"qty":      {Type: TypeNumber, Required: true, Validate: positive},
				"rate":     {Type: TypeNumber, Validate: nonNegative},
			},
			RiskTier: types.TierWrite,
		},
		{
			Name:        types.ActionListCustomers,
			DisplayName: "List Customers",
			Description: "List known customers, optionally limited",
			RequiredRoles: []types.RoleName{
				types.RoleSalesUser, types.RoleSalesManager, types.RoleAccountsUser, types.RoleReadOnly,
			},
			Params: map[string]ParamSpec{
				"limit": {Type: TypeInteger, Validate: positive},
			},
			RiskTier: types.TierRead,
		},
		{
			Name:        types.ActionGetCustomerInfo,
			DisplayName: "Get Customer Info",
			Description: "Show details for one customer",
			RequiredRoles: []types.RoleName{
				types.RoleSalesUser, types.RoleSalesManager, types.RoleAccountsUser, types.RoleReadOnly,
			},
			Params: map[string]ParamSpec{
				"customer": {Type: TypeString, Required: true, Validate: nonEmpty, Ref: "customer"},
			},
			RiskTier: types.TierRead,
		},
		{
			Name:        types.ActionCreateCustomer,
			DisplayName: "Create Customer",
			Description: "Register a new customer",
			RequiredRoles: []types.RoleName{
				types.RoleSalesUser, types.RoleSalesManager,
			},
			Params: map[string]ParamSpec{
				"customer":       {Type: TypeString, Required: true, Validate: nonEmpty},
				"customer_group": {Type: TypeString},
				"territory":      {Type: TypeString},
			},
			RiskTier: types.TierWrite,
		},
		{
			Name:        types.ActionCreateItem,
			DisplayName: "Create Item",
			Description: "Register a new stock item",
			RequiredRoles: []types.RoleName{
				types.RoleItemManager, types.RoleStockUser,
			},
			Params: map[string]ParamSpec{
				"item_name":  {Type: TypeString, Required: true, Validate: nonEmpty},
				"item_group": {Type: TypeString},
				"uom":        {Type: TypeString},
			},
			RiskTier: types.TierWrite,
		},
		{
			Name:        types.ActionGetStockLevel,
			DisplayName: "Get Stock Level",
			Description: "Report stock on hand for an item, optionally per warehouse",
			RequiredRoles: []types.RoleName{
				types.RoleStockUser, types.RoleStockManager, types.RoleItemManager, types.RoleReadOnly,
			},
			Params: map[string]ParamSpec{
				"item":      {Type: TypeString, Validate: nonEmpty, Ref: "item"},
				"warehouse": {Type: TypeString, Validate: nonEmpty},
			},
			RiskTier: types.TierRead,
		},
		{
			Name:        types.ActionUpdateItemPrice,
			DisplayName: "Update Item Price",
			Description: "Change the standard selling price of an item",
			RequiredRoles: []types.RoleName{
				types.RoleItemManager, types.RoleSalesManager,
			},
			Params: map[string]ParamSpec{
				"item":  {Type: TypeString, Required: true, Validate: nonEmpty, Ref: "item"},
				"price": {Type: TypeNumber, Required: true, Validate: positive},
			},
			RiskTier: types.TierWrite,
		},
		{
			Name:        types.ActionGetSalesReport,
			DisplayName: "Get Sales Report",
			Description: "Summarize recent sales orders",
			RequiredRoles: []types.RoleName{
				types.RoleSalesUser, types.RoleSalesManager, types.RoleAccountsUser,
			},
			Params: map[string]ParamSpec{
				"period": {Type: TypeString, Validate: oneOf("today", "week", "month", "quarter", "year")},
			},
			RiskTier: types.TierRead,
		},
		{
			Name:        types.ActionGetOutstandingInvoices,
			DisplayName: "Get Outstanding Invoices",
			Description: "List unpaid sales invoices, optionally for one customer",
			RequiredRoles: []types.RoleName{
				types.RoleAccountsUser, types.RoleSalesManager,
			},
			Params: map[string]ParamSpec{
				"customer": {Type: TypeString, Validate: nonEmpty, Ref: "customer"},
			},
			RiskTier: types.TierRead,
		},
		{
			Name:        types.ActionCreateWarehouse,
			DisplayName: "Create Warehouse",
			Description: "Register a new warehouse",
			RequiredRoles: []types.RoleName{
				types.RoleStockManager,
			},
			Params: map[string]ParamSpec{
				"warehouse_name": {Type: TypeString, Required: true, Validate: nonEmpty},
			},
			RiskTier: types.TierWrite,
		},
		{
			Name:          types.ActionCreateUser,
			DisplayName:   "Create User",
			Description:   "Provision a new user account",
			RequiredRoles: []types.RoleName{types.RoleSystemManager},
			Params: map[string]ParamSpec{
				"email":      {Type: TypeString, Required: true, Validate: emailish},
				"first_name": {Type: TypeString, Required: true, Validate: nonEmpty},
				"last_name":  {Type: TypeString},
			},
			RiskTier: types.TierAdmin,
		},
		{
			Name:        types.ActionGeneralQuery,
			DisplayName: "General Query",
			Description: "Answer a general question without touching records",
			RequiredRoles: []types.RoleName{
				types.RoleSalesUser, types.RoleSalesManager, types.RoleStockUser,
				types.RoleStockManager, types.RoleItemManager, types.RoleAccountsUser,
				types.RoleReadOnly,
			},
			Params: map[string]ParamSpec{
				"query": {Type: TypeString},
			},
			RiskTier: types.TierRead,
		},
	}

	c := &Catalog{actions: make(map[types.ActionName]*ActionDefinition, len(defs))}
	for _, d := range defs {
		c.actions[d.Name] = d
	}
	return c
}

func nonEmpty(v interface{}) error {
	s, _ := v.(string)
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("must not be empty")
	}
	return nil
}

func positive(v interface{}) error {
	if Number(v) <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func nonNegative(v interface{}) error {
	if Number(v) < 0 {
		return fmt.Errorf("must not be negative")
	}
	return nil
}

func oneOf(allowed ...string) func(interface{}) error {
	return func(v interface{}) error {
		s, _ := v.(string)
		for _, a := range allowed {
			if strings.EqualFold(s, a) {
				return nil
			}
		}
		return fmt.Errorf("must be one of %s", strings.Join(allowed, ", "))
	}
}

func emailish(v interface{}) error {
	s, _ := v.(string)
	s = strings.TrimSpace(s)
	at := strings.Index(s, "@")
	if at <= 0 || at == len(s)-1 || !strings.Contains(s[at:], ".") {
		return fmt.Errorf("must be an email address")
	}
	return nil
}
